package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type ctl struct {
	t  *testing.T
	db string
}

func newCtl(t *testing.T) *ctl {
	return &ctl{t: t, db: filepath.Join(t.TempDir(), "ward.db")}
}

func (c *ctl) run(args ...string) (string, error) {
	var out bytes.Buffer
	err := execute(&out, append([]string{"--driver", "sqlite", "--db", c.db}, args...))
	return out.String(), err
}

func (c *ctl) mustJSON(v interface{}, args ...string) {
	c.t.Helper()
	out, err := c.run(append(args, "--json")...)
	if err != nil {
		c.t.Fatalf("%v: %v", args, err)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		c.t.Fatalf("%v: decode %q: %v", args, out, err)
	}
}

type shown struct {
	Partograph struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Version int    `json:"version"`
	} `json:"partograph"`
	TimeInStage *struct {
		Hours   int `json:"hours"`
		Minutes int `json:"minutes"`
	} `json:"time_in_stage"`
}

func TestLaborEpisodeThroughCLI(t *testing.T) {
	c := newCtl(t)

	var pt struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	c.mustJSON(&pt, "patient", "add", "--name", "Amina Yusuf", "--hospital-number", "H-77", "--facility", "ward-a")
	if pt.ID == "" || pt.Name != "Amina Yusuf" {
		t.Fatalf("patient = %+v", pt)
	}

	var created shown
	c.mustJSON(&created, "create", pt.ID)
	if created.Partograph.Status != "pending" || created.Partograph.Version != 1 {
		t.Fatalf("created = %+v", created.Partograph)
	}

	var active shown
	c.mustJSON(&active, "transition", created.Partograph.ID, "start_active_labor")
	if active.Partograph.Status != "active" || active.Partograph.Version != 2 || active.TimeInStage == nil {
		t.Fatalf("after start = %+v", active)
	}

	if _, err := c.run("transition", created.Partograph.ID, "record_placenta_delivery"); err == nil {
		t.Fatal("expected invalid transition")
	}
	if _, err := c.run("transition", created.Partograph.ID, "deliver_twins"); err == nil {
		t.Fatal("expected unknown operation")
	}
	if _, err := c.run("create", pt.ID); err == nil {
		t.Fatal("expected second open partograph to be rejected")
	}

	var rows []struct {
		Patient struct {
			HospitalNumber string `json:"hospital_number"`
		} `json:"patient"`
	}
	c.mustJSON(&rows, "list", "--status", "active", "-q", "amina")
	if len(rows) != 1 || rows[0].Patient.HospitalNumber != "H-77" {
		t.Fatalf("list = %+v", rows)
	}
	c.mustJSON(&rows, "list", "--status", "active", "-q", "nobody")
	if len(rows) != 0 {
		t.Fatalf("filtered list = %+v", rows)
	}

	var stats struct {
		Counts map[string]int `json:"counts"`
		Open   int            `json:"open"`
	}
	c.mustJSON(&stats, "dashboard")
	if stats.Counts["active"] != 1 || stats.Open != 1 {
		t.Fatalf("dashboard = %+v", stats)
	}

	var final shown
	c.mustJSON(&final, "transition", created.Partograph.ID, "complete_delivery")
	if final.Partograph.Status != "completed" {
		t.Fatalf("final = %+v", final.Partograph)
	}

	out, err := c.run("show", created.Partograph.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "completed") || !strings.Contains(out, "total labor") {
		t.Errorf("show output:\n%s", out)
	}

	if _, err := c.run("archive", created.Partograph.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.run("show", created.Partograph.ID); err == nil {
		t.Fatal("expected archived partograph to be gone")
	}
}

func TestReportExportEmptyDay(t *testing.T) {
	c := newCtl(t)
	var doc struct {
		Day        string        `json:"day"`
		Count      int           `json:"count"`
		Deliveries []interface{} `json:"deliveries"`
	}
	c.mustJSON(&doc, "report", "export", "--day", "2020-02-29")
	if doc.Day != "2020-02-29" || doc.Count != 0 || len(doc.Deliveries) != 0 {
		t.Fatalf("report = %+v", doc)
	}

	if _, err := c.run("report", "export", "--day", "29/02/2020"); err == nil {
		t.Fatal("expected bad day to be rejected")
	}
}

func TestReportBackfillToDirectory(t *testing.T) {
	c := newCtl(t)
	dir := filepath.Join(t.TempDir(), "reports")

	var outcomes []backfillOutcome
	c.mustJSON(&outcomes, "report", "backfill", "--from", "2020-03-01", "--to", "2020-03-03", "--out-dir", dir, "--workers", "2")
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	for i, day := range []string{"2020-03-01", "2020-03-02", "2020-03-03"} {
		if outcomes[i].Day != day || outcomes[i].Error != "" {
			t.Errorf("outcome %d = %+v", i, outcomes[i])
		}
		if _, err := os.Stat(filepath.Join(dir, "deliveries-"+day+".json")); err != nil {
			t.Errorf("missing report for %s: %v", day, err)
		}
	}

	if _, err := c.run("report", "backfill", "--from", "2020-03-03", "--to", "2020-03-01", "--out-dir", dir); err == nil {
		t.Fatal("expected reversed range to be rejected")
	}
	if _, err := c.run("report", "backfill", "--from", "2020-03-01"); err == nil {
		t.Fatal("expected a destination to be required")
	}
}

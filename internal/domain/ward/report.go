package ward

import (
	"context"
	"time"

	"github.com/drfirst/go-partograph/internal/domain/clock"
)

// Delivery is one line of a delivery report
type Delivery struct {
	PartographID   string         `json:"partograph_id"`
	PatientID      string         `json:"patient_id"`
	PatientName    string         `json:"patient_name"`
	HospitalNumber string         `json:"hospital_number"`
	LaborStart     *time.Time     `json:"labor_start,omitempty"`
	DeliveredAt    time.Time      `json:"delivered_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LaborDuration  *clock.Elapsed `json:"labor_duration,omitempty"`
}

// DeliveryReport summarises the deliveries of one calendar day
type DeliveryReport struct {
	Day                  string         `json:"day"`
	From                 time.Time      `json:"from"`
	To                   time.Time      `json:"to"`
	Count                int            `json:"count"`
	AverageLaborDuration *clock.Elapsed `json:"average_labor_duration,omitempty"`
	Deliveries           []Delivery     `json:"deliveries"`
}

// DeliveryReport builds the report for the calendar day containing day, in
// the clock's location. Deliveries are ordered latest first.
func (e *Engine) DeliveryReport(ctx context.Context, day time.Time) (DeliveryReport, error) {
	from := clock.StartOfDay(day.In(e.clock.Now().Location()))
	to := from.AddDate(0, 0, 1)

	rows, err := e.deliveredBetween(ctx, from, to)
	if err != nil {
		return DeliveryReport{}, err
	}
	sortByDeliveryDesc(rows)

	report := DeliveryReport{
		Day:        from.Format("2006-01-02"),
		From:       from,
		To:         to,
		Count:      len(rows),
		Deliveries: make([]Delivery, 0, len(rows)),
	}

	var total time.Duration
	var timed int
	for _, r := range rows {
		p := r.Partograph
		delivered, _ := p.DeliveryTime()
		line := Delivery{
			PartographID:   p.ID(),
			PatientID:      p.PatientID(),
			PatientName:    r.Patient.Name,
			HospitalNumber: r.Patient.HospitalNumber,
			DeliveredAt:    delivered,
		}
		if ls, ok := p.LaborStartTime(); ok {
			line.LaborStart = &ls
			d := clock.Since(ls, delivered)
			line.LaborDuration = &d
			total += d.Duration()
			timed++
		}
		if ct, ok := p.CompletedTime(); ok {
			line.CompletedAt = &ct
		}
		report.Deliveries = append(report.Deliveries, line)
	}
	if timed > 0 {
		avg := clock.FromDuration(total / time.Duration(timed))
		report.AverageLaborDuration = &avg
	}
	return report, nil
}

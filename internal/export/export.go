// Package export writes the alert ledger to spreadsheet files for audits
// and incident reviews.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/lifeline-app/lifeline/internal/store"
)

var alertHeader = []string{
	"alert_id", "user_id", "kind", "confidence", "status",
	"lat", "lng", "note", "created_at", "updated_at",
}

var attemptHeader = []string{
	"attempt_id", "alert_id", "contact_id", "tier", "channel",
	"result", "sent_at", "updated_at",
}

// WriteAlertLedger exports a user's alerts and their delivery attempts to an
// XLSX workbook with one sheet per table. Returns the number of alerts
// written.
func WriteAlertLedger(ctx context.Context, st store.Store, userID, path string, limit int) (int, error) {
	alerts, err := st.ListAlerts(ctx, userID, limit)
	if err != nil {
		return 0, eris.Wrap(err, "export: list alerts")
	}

	f := xlsx.NewFile()
	alertSheet, err := f.AddSheet("Alerts")
	if err != nil {
		return 0, eris.Wrap(err, "export: add alerts sheet")
	}
	attemptSheet, err := f.AddSheet("Attempts")
	if err != nil {
		return 0, eris.Wrap(err, "export: add attempts sheet")
	}

	addRow(alertSheet, alertHeader...)
	addRow(attemptSheet, attemptHeader...)

	for _, a := range alerts {
		// ListAlerts returns bare rows; attempts live on the full record.
		full, err := st.GetAlert(ctx, a.ID)
		if err != nil {
			return 0, eris.Wrapf(err, "export: load alert %s", a.ID)
		}

		lat, lng := "", ""
		if full.Location != nil {
			lat = fmt.Sprintf("%.6f", full.Location.Lat)
			lng = fmt.Sprintf("%.6f", full.Location.Lng)
		}
		addRow(alertSheet,
			full.ID, full.UserID, string(full.Kind),
			fmt.Sprintf("%.2f", full.Confidence), string(full.Status),
			lat, lng, full.Note,
			fmtStamp(full.CreatedAt), fmtStamp(full.UpdatedAt),
		)
		for _, at := range full.Attempts {
			addRow(attemptSheet,
				at.ID, at.AlertID, at.ContactID,
				fmt.Sprintf("%d", at.Tier), at.Channel, string(at.Result),
				fmtStamp(at.SentAt), fmtStamp(at.UpdatedAt),
			)
		}
	}

	if err := f.Save(path); err != nil {
		return 0, eris.Wrapf(err, "export: save %s", path)
	}
	zap.L().Info("alert ledger exported",
		zap.String("user_id", userID),
		zap.String("path", path),
		zap.Int("alerts", len(alerts)),
	)
	return len(alerts), nil
}

// WriteSuppressedTriggers exports the audit trail of triggers collapsed into
// an alert by the cooldown window.
func WriteSuppressedTriggers(ctx context.Context, st store.Store, alertID, path string) (int, error) {
	sups, err := st.ListSuppressedTriggers(ctx, alertID)
	if err != nil {
		return 0, eris.Wrap(err, "export: list suppressed triggers")
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Suppressed")
	if err != nil {
		return 0, eris.Wrap(err, "export: add sheet")
	}
	addRow(sheet, "signal_id", "alert_id", "user_id", "kind", "suppressed_at")
	for _, s := range sups {
		addRow(sheet,
			s.SignalReportID, s.AlertID, s.UserID, string(s.Kind),
			fmtStamp(s.SuppressedAt),
		)
	}

	if err := f.Save(path); err != nil {
		return 0, eris.Wrapf(err, "export: save %s", path)
	}
	return len(sups), nil
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func fmtStamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

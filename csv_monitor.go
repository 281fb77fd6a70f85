package kvload

import (
	"context"
	"time"
)

// CSVMonitored writes one row per iteration of the wrapped Attack to the manager iteration log
type CSVMonitored struct {
	Attack
}

func WithCSVMonitor(a Attack) CSVMonitored {
	return CSVMonitored{a}
}

func (m CSVMonitored) Do(ctx context.Context) DoResult {
	before := time.Now()
	result := m.Attack.Do(ctx)
	attackTime := time.Since(before)
	status := "ok"
	if result.Error != nil || result.StatusCode >= 400 {
		status = "err"
	}
	lm := m.GetManager()
	if lm == nil || lm.CSVLog == nil {
		return result
	}
	entry := []string{result.RequestLabel, before.Format(time.RFC3339Nano), attackTime.String(), status}
	if err := lm.CSVLog.Write(entry); err != nil {
		m.GetRunner().L.Errorf("failed to write iteration log: %s", err)
	}
	return result
}

func (m CSVMonitored) Clone(r *Runner) Attack {
	return CSVMonitored{m.Attack.Clone(r)}
}

package scheduler

import (
	"time"

	"github.com/lduynkerke/FundingRateLogger/models"
)

// captureRange returns the lookback window to request for one candle
// interval around a settlement moment. Only the 1m window extends past the
// settlement itself, so the immediate reaction to the payout is recorded.
func (s *Scheduler) captureRange(interval models.Interval, fundingTime time.Time) (start, end time.Time) {
	w := s.config.Windows
	switch interval {
	case models.IntervalDay1:
		return fundingTime.AddDate(0, 0, -w.DailyDaysBack), fundingTime
	case models.IntervalHour1:
		return fundingTime.Add(-time.Duration(w.HourlyHoursBack) * time.Hour), fundingTime
	case models.IntervalMin10:
		return fundingTime.Add(-time.Duration(w.TenMinHoursBefore) * time.Hour), fundingTime
	case models.IntervalMin1:
		return fundingTime.Add(-time.Duration(w.OneMinMinutesBefore) * time.Minute),
			fundingTime.Add(time.Duration(w.OneMinMinutesAfter) * time.Minute)
	default:
		return fundingTime.Add(-time.Hour), fundingTime
	}
}

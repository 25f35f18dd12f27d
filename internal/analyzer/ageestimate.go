package analyzer

import "time"

// idEpoch is one breakpoint of the sequential-ID registration heuristic:
// accounts with IDs up to Max were registered around When. The platform
// allocates user IDs monotonically, so linear interpolation between
// neighbouring breakpoints gives a usable creation estimate.
type idEpoch struct {
	Max  int64
	When time.Time
}

func ymd(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var idEpochs = []idEpoch{
	{2_000_000, ymd(2013, time.October, 1)},
	{100_000_000, ymd(2014, time.December, 1)},
	{200_000_000, ymd(2016, time.June, 1)},
	{300_000_000, ymd(2017, time.June, 1)},
	{400_000_000, ymd(2018, time.April, 1)},
	{500_000_000, ymd(2018, time.December, 1)},
	{700_000_000, ymd(2019, time.December, 1)},
	{900_000_000, ymd(2020, time.September, 1)},
	{1_100_000_000, ymd(2021, time.April, 1)},
	{1_500_000_000, ymd(2021, time.December, 1)},
	{1_900_000_000, ymd(2022, time.August, 1)},
	{2_100_000_000, ymd(2023, time.January, 1)},
	{5_000_000_000, ymd(2023, time.September, 1)},
	{6_000_000_000, ymd(2024, time.March, 1)},
	{7_000_000_000, ymd(2024, time.October, 1)},
	{8_000_000_000, ymd(2025, time.June, 1)},
}

// estimateAccountAge returns the estimated account age in whole days at the
// given reference time. ok is false when the ID carries no information
// (zero or negative).
func estimateAccountAge(userID int64, at time.Time) (days int, ok bool) {
	if userID <= 0 {
		return 0, false
	}

	created := creationEstimate(userID, at)
	if created.After(at) {
		created = at
	}
	return int(at.Sub(created).Hours() / 24), true
}

func creationEstimate(userID int64, at time.Time) time.Time {
	if userID <= idEpochs[0].Max {
		return idEpochs[0].When
	}

	for i := 1; i < len(idEpochs); i++ {
		if userID <= idEpochs[i].Max {
			lo, hi := idEpochs[i-1], idEpochs[i]
			frac := float64(userID-lo.Max) / float64(hi.Max-lo.Max)
			span := hi.When.Sub(lo.When)
			return lo.When.Add(time.Duration(frac * float64(span)))
		}
	}

	// Beyond the table: extrapolate with the slope of the last segment,
	// never past the observation time.
	lo, hi := idEpochs[len(idEpochs)-2], idEpochs[len(idEpochs)-1]
	perID := float64(hi.When.Sub(lo.When)) / float64(hi.Max-lo.Max)
	est := hi.When.Add(time.Duration(perID * float64(userID-hi.Max)))
	if est.After(at) {
		return at
	}
	return est
}

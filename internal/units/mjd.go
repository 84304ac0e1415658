package units

import "time"

// mjdUnixEpoch is the Modified Julian Date of the Unix epoch (1970-01-01 UTC).
const mjdUnixEpoch = 40587.0

const secondsPerDay = 86400.0

// TimeToMJD converts a wall-clock time to a Modified Julian Date.
func TimeToMJD(t time.Time) float64 {
	return mjdUnixEpoch + float64(t.UnixNano())/1e9/secondsPerDay
}

// MJDToTime converts a Modified Julian Date back to wall-clock time (UTC).
func MJDToTime(mjd float64) time.Time {
	ns := (mjd - mjdUnixEpoch) * secondsPerDay * 1e9
	return time.Unix(0, int64(ns)).UTC()
}

package geo

import "math"

// DefaultTxPower is the RSSI measured at one meter, in dBm.
const DefaultTxPower = -59

// EstimateDistance converts an RSSI reading to a rough distance in meters
// using the log-distance path loss model with exponent 2.
func EstimateDistance(rssi, txPower int) float64 {
	return math.Pow(10, float64(txPower-rssi)/20.0)
}

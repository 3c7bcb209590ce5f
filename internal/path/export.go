package path

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
	_ "time/tzdata"

	"pettrack/internal/geo"
	"pettrack/internal/model"
)

// TimestampLayout is the record timestamp format (dd/MM/yyyy HH:mm:ss).
const TimestampLayout = "02/01/2006 15:04:05"

// DayLayout keys remote path storage by calendar date.
const DayLayout = "2006-01-02"

// Day returns the calendar date of t in loc, as used for storage keys.
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayLayout)
}

// ToRecords converts path points to export records with timestamps rendered in loc.
func ToRecords(points []model.PathPoint, loc *time.Location) []model.PathRecord {
	out := make([]model.PathRecord, len(points))
	for i, p := range points {
		out[i] = model.PathRecord{
			Latitude:  p.Point.Lat,
			Longitude: p.Point.Lng,
			Timestamp: p.At.In(loc).Format(TimestampLayout),
		}
	}
	return out
}

// FromRecords parses records back into path points.
func FromRecords(recs []model.PathRecord, loc *time.Location) ([]model.PathPoint, error) {
	out := make([]model.PathPoint, 0, len(recs))
	for i, r := range recs {
		at, err := time.ParseInLocation(TimestampLayout, r.Timestamp, loc)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, model.PathPoint{Point: model.GeoPoint{Lat: r.Latitude, Lng: r.Longitude}, At: at})
	}
	return out, nil
}

// WriteCSV writes records as Latitude,Longitude,Timestamp rows. With
// withDistance set a DistanceFromPrevious column in meters is added; the
// first row carries 0.00.
func WriteCSV(w io.Writer, recs []model.PathRecord, withDistance bool) error {
	cw := csv.NewWriter(w)
	header := []string{"Latitude", "Longitude", "Timestamp"}
	if withDistance {
		header = append(header, "DistanceFromPrevious")
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	var dists []float64
	if withDistance {
		pts := make([]model.GeoPoint, len(recs))
		for i, r := range recs {
			pts[i] = model.GeoPoint{Lat: r.Latitude, Lng: r.Longitude}
		}
		dists = geo.SegmentDistances(pts)
	}
	for i, r := range recs {
		row := []string{formatCoord(r.Latitude), formatCoord(r.Longitude), r.Timestamp}
		if withDistance {
			d := 0.0
			if i > 0 {
				d = dists[i-1]
			}
			row = append(row, strconv.FormatFloat(d, 'f', 2, 64))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCoord(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

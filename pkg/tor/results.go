package tor

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"pqtor/pkg/torerr"
)

// Record is one line of the results file.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason"`
	Hop1MS        int64     `json:"hop1_ms"`
	Hop2MS        int64     `json:"hop2_ms"`
	Hop3MS        int64     `json:"hop3_ms"`
	CircuitMS     int64     `json:"circuit_ms"`
	HTTPMS        int64     `json:"http_ms"`
	TotalMS       int64     `json:"total_ms"`
	ResponseBytes int       `json:"response_bytes"`
}

var recordHeader = []string{
	"timestamp", "status", "reason",
	"hop1_ms", "hop2_ms", "hop3_ms",
	"circuit_ms", "http_ms", "total_ms",
	"response_bytes",
}

// NewRecord summarises the outcome of a Get.
func NewRecord(res *Result, err error) *Record {
	rec := &Record{
		Timestamp: time.Now().UTC(),
		Status:    "success",
		Reason:    torerr.Code(err),
	}
	if err != nil {
		rec.Status = "failure"
	}
	if res == nil {
		return rec
	}
	hops := []*int64{&rec.Hop1MS, &rec.Hop2MS, &rec.Hop3MS}
	for i, d := range res.HopTimes {
		if i < len(hops) {
			*hops[i] = d.Milliseconds()
		}
	}
	rec.CircuitMS = res.CircuitTime.Milliseconds()
	rec.HTTPMS = res.HTTPTime.Milliseconds()
	rec.TotalMS = res.TotalTime.Milliseconds()
	rec.ResponseBytes = len(res.Body)
	return rec
}

func (rec *Record) fields() []string {
	return []string{
		rec.Timestamp.Format(time.RFC3339Nano),
		rec.Status,
		rec.Reason,
		strconv.FormatInt(rec.Hop1MS, 10),
		strconv.FormatInt(rec.Hop2MS, 10),
		strconv.FormatInt(rec.Hop3MS, 10),
		strconv.FormatInt(rec.CircuitMS, 10),
		strconv.FormatInt(rec.HTTPMS, 10),
		strconv.FormatInt(rec.TotalMS, 10),
		strconv.Itoa(rec.ResponseBytes),
	}
}

// AppendRecord appends rec to the results file at path: one JSON object per
// line when path ends in .json, CSV otherwise. The CSV header is written
// only when the file is new or empty.
func AppendRecord(path string, rec *Record) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open results file")
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		b, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "marshal record")
		}
		_, err = f.Write(append(b, '\n'))
		return errors.Wrap(err, "write record")
	}

	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat results file")
	}
	w := csv.NewWriter(f)
	if fi.Size() == 0 {
		w.Write(recordHeader)
	}
	w.Write(rec.fields())
	w.Flush()
	return errors.Wrap(w.Error(), "write record")
}

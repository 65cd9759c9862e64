package metrics

import (
	"bytes"
	"fmt"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/obsidianstack/batchsend/internal/dispatch"
	"github.com/obsidianstack/batchsend/internal/state"
)

// Metric names written to the textfile.
const (
	BatchesTotal     = "batchsend_batches_total"
	RecordsSentTotal = "batchsend_records_sent_total"
	Batches          = "batchsend_batches"
	RunDuration      = "batchsend_run_duration_seconds"
	LastRunTimestamp = "batchsend_last_run_timestamp_seconds"
	RunInterrupted   = "batchsend_run_interrupted"
	outcomeLabel     = "outcome"
)

// Families converts a run summary into metric families, sorted by name.
func Families(sum *dispatch.Summary) []*dto.MetricFamily {
	interrupted := 0.0
	if sum.Interrupted {
		interrupted = 1
	}

	fams := []*dto.MetricFamily{
		{
			Name: proto.String(BatchesTotal),
			Help: proto.String("Batches visited in the last run, by outcome."),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{
				counterWithOutcome("failed", sum.Failed),
				counterWithOutcome("sent", sum.Sent),
				counterWithOutcome("skipped", sum.Skipped),
			},
		},
		{
			Name:   proto.String(RecordsSentTotal),
			Help:   proto.String("Records delivered successfully in the last run."),
			Type:   dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(float64(sum.RecordsSent))}}},
		},
		gauge(Batches, "Total batches in the input of the last run.", float64(sum.Batches)),
		gauge(RunDuration, "Wall time of the last run.", sum.Duration().Seconds()),
		gauge(LastRunTimestamp, "Unix time the last run finished.", float64(sum.FinishedAt.UnixNano())/1e9),
		gauge(RunInterrupted, "1 if the last run was interrupted before visiting every batch.", interrupted),
	}

	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

// Encode renders the summary in Prometheus text exposition format.
func Encode(sum *dispatch.Summary) ([]byte, error) {
	var buf bytes.Buffer
	for _, mf := range Families(sum) {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// WriteFile atomically replaces path with the encoded summary, so a
// node_exporter textfile collector never reads a partial file.
func WriteFile(path string, sum *dispatch.Summary) error {
	data, err := Encode(sum)
	if err != nil {
		return err
	}
	if err := state.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}

func counterWithOutcome(outcome string, v int) *dto.Metric {
	return &dto.Metric{
		Label:   []*dto.LabelPair{{Name: proto.String(outcomeLabel), Value: proto.String(outcome)}},
		Counter: &dto.Counter{Value: proto.Float64(float64(v))},
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

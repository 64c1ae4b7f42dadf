// Package observe records stereocast telemetry through the OpenTelemetry
// metrics API. InitProvider bridges it to a Prometheus registry so the
// counters can be scraped from /metrics; tests build Metrics on a manual
// reader instead.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zsiec/stereocast/media"
)

const meterName = "github.com/zsiec/stereocast"

// Metrics holds every instrument. It implements pipeline.Observer.
type Metrics struct {
	FramesSent     metric.Int64Counter
	FramesReceived metric.Int64Counter
	FramesDropped  metric.Int64Counter
	BytesSent      metric.Int64Counter
	BytesReceived  metric.Int64Counter
	ChannelsLost   metric.Int64Counter

	// ChannelsActive is the number of Connected channels by role.
	ChannelsActive metric.Int64UpDownCounter

	// RendezvousDuration is the time from listening to both eyes paired.
	RendezvousDuration metric.Float64Histogram

	HTTPRequestDuration metric.Float64Histogram
}

// rendezvousBuckets are in seconds. Pairing waits on people powering on
// cameras, so the tail is long.
var rendezvousBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&met.FramesSent, "stereocast.frames.sent", "Frames written to the network by role.", "{frame}"},
		{&met.FramesReceived, "stereocast.frames.received", "Frames read from the network by role.", "{frame}"},
		{&met.FramesDropped, "stereocast.frames.dropped", "Frames shed by a full drop-newest queue by role.", "{frame}"},
		{&met.BytesSent, "stereocast.bytes.sent", "Payload bytes written by role.", "By"},
		{&met.BytesReceived, "stereocast.bytes.received", "Payload bytes read by role.", "By"},
		{&met.ChannelsLost, "stereocast.channel.lost", "Mid-stream channel failures by role.", "{channel}"},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		); err != nil {
			return nil, err
		}
	}

	if met.ChannelsActive, err = m.Int64UpDownCounter("stereocast.channels.active",
		metric.WithDescription("Number of connected channels by role."),
	); err != nil {
		return nil, err
	}
	if met.RendezvousDuration, err = m.Float64Histogram("stereocast.rendezvous.duration",
		metric.WithDescription("Time taken to pair the left and right connections."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(rendezvousBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("stereocast.http.request.duration",
		metric.WithDescription("Telemetry HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func roleAttr(role media.Role) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("role", role.String()))
}

// RecordReceived counts one frame read for role.
func (m *Metrics) RecordReceived(ctx context.Context, role media.Role, bytes int) {
	m.FramesReceived.Add(ctx, 1, roleAttr(role))
	m.BytesReceived.Add(ctx, int64(bytes), roleAttr(role))
}

// RecordSent counts one frame written for role.
func (m *Metrics) RecordSent(ctx context.Context, role media.Role, bytes int) {
	m.FramesSent.Add(ctx, 1, roleAttr(role))
	m.BytesSent.Add(ctx, int64(bytes), roleAttr(role))
}

// RecordDropped counts one frame shed for role.
func (m *Metrics) RecordDropped(ctx context.Context, role media.Role) {
	m.FramesDropped.Add(ctx, 1, roleAttr(role))
}

// RecordChannelLost counts a mid-stream failure of role.
func (m *Metrics) RecordChannelLost(ctx context.Context, role media.Role) {
	m.ChannelsLost.Add(ctx, 1, roleAttr(role))
}

// RecordChannelActive adjusts the connected channel gauge.
func (m *Metrics) RecordChannelActive(ctx context.Context, role media.Role, delta int64) {
	m.ChannelsActive.Add(ctx, delta, roleAttr(role))
}

// RecordRendezvous observes one completed pairing.
func (m *Metrics) RecordRendezvous(ctx context.Context, d time.Duration) {
	m.RendezvousDuration.Record(ctx, d.Seconds())
}

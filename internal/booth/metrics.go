package booth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/klyondx/facial-recognition-motion-detection-prototype/internal/types"
)

// pipelineCollector exports one pipeline Stats snapshot per scrape
type pipelineCollector struct {
	b *Booth

	uptime        *prometheus.Desc
	sourceReady   *prometheus.Desc
	modelReady    *prometheus.Desc
	motion        *prometheus.Desc
	scene         *prometheus.Desc
	faces         *prometheus.Desc
	inFlight      *prometheus.Desc
	captures      *prometheus.Desc
	ticks         *prometheus.Desc
	tickPanics    *prometheus.Desc
	sinkErrors    *prometheus.Desc
	sinkSkips     *prometheus.Desc
	faceResults   *prometheus.Desc
	faceErrors    *prometheus.Desc
	mqttConnected *prometheus.Desc
	mqttPublished *prometheus.Desc
	mqttFailed    *prometheus.Desc
}

func newPipelineCollector(b *Booth) *pipelineCollector {
	labels := prometheus.Labels{"instance": b.cfg.InstanceID}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc("booth_"+name, help, variable, labels)
	}

	return &pipelineCollector{
		b:             b,
		uptime:        desc("uptime_seconds", "Seconds since the pipeline started."),
		sourceReady:   desc("source_ready", "1 while the camera delivers frames."),
		modelReady:    desc("model_ready", "1 once the face model is loaded."),
		motion:        desc("motion", "1 while the motion latch is set."),
		scene:         desc("scene", "1 for the scene currently shown.", "scene"),
		faces:         desc("faces", "Faces accepted by the latest detection."),
		inFlight:      desc("face_in_flight", "Face estimates currently running."),
		captures:      desc("captures_total", "Photos committed."),
		ticks:         desc("ticks_total", "Loop ticks run.", "loop"),
		tickPanics:    desc("tick_panics_total", "Loop ticks that panicked and were recovered."),
		sinkErrors:    desc("sink_errors_total", "Render calls that returned an error."),
		sinkSkips:     desc("sink_skips_total", "Render calls skipped because a sink was not ready."),
		faceResults:   desc("face_results_total", "Face estimate results by outcome.", "outcome"),
		faceErrors:    desc("face_errors_total", "Face estimates that failed."),
		mqttConnected: desc("mqtt_connected", "1 while the MQTT client is connected."),
		mqttPublished: desc("mqtt_published_total", "MQTT messages published per topic.", "topic"),
		mqttFailed:    desc("mqtt_failed_total", "MQTT events not delivered, by reason.", "reason"),
	}
}

func (c *pipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.uptime, c.sourceReady, c.modelReady, c.motion, c.scene, c.faces, c.inFlight,
		c.captures, c.ticks, c.tickPanics, c.sinkErrors, c.sinkSkips, c.faceResults, c.faceErrors,
		c.mqttConnected, c.mqttPublished, c.mqttFailed,
	} {
		ch <- d
	}
}

func (c *pipelineCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.b.pipeline.Stats()
	fs := st.FaceStats

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.uptime, st.UptimeSeconds)
	gauge(c.sourceReady, boolValue(st.SourceReady))
	gauge(c.modelReady, boolValue(st.OracleReady))
	gauge(c.motion, boolValue(st.Motion))
	for s := types.SceneLoading; s <= types.SceneSnapping; s++ {
		gauge(c.scene, boolValue(s.String() == st.Scene), s.String())
	}
	gauge(c.faces, float64(fs.Faces))
	gauge(c.inFlight, float64(fs.InFlight))

	counter(c.captures, st.Captures)
	counter(c.ticks, st.FaceTicks, "face")
	counter(c.ticks, st.MotionTicks, "motion")
	counter(c.ticks, st.CountdownTicks, "countdown")
	counter(c.ticks, st.SceneTicks, "scene")
	counter(c.tickPanics, st.TickPanics)
	counter(c.sinkErrors, st.SinkErrors)
	counter(c.sinkSkips, st.SinkSkips)
	counter(c.faceResults, fs.Applied, "applied")
	counter(c.faceResults, fs.Stale, "stale")
	counter(c.faceResults, fs.Discarded, "discarded")
	counter(c.faceErrors, fs.Errors)

	if c.b.emitter != nil {
		es := c.b.emitter.Stats()
		gauge(c.mqttConnected, boolValue(es.Connected))
		for topic, n := range es.Published {
			counter(c.mqttPublished, n, topic)
		}
		counter(c.mqttFailed, es.Errors, "error")
		counter(c.mqttFailed, es.Dropped, "dropped")
	}
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// newMetricsRegistry registers the pipeline collector next to the Go runtime
// collector
func newMetricsRegistry(b *Booth) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newPipelineCollector(b),
		collectors.NewGoCollector(),
	)
	return reg
}

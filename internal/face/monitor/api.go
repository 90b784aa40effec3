package monitor

import (
	"net/http"
	"time"

	"github.com/banshee-data/face.relay/internal/face"
	"github.com/banshee-data/face.relay/internal/face/mapping"
	"github.com/banshee-data/face.relay/internal/face/network"
	"github.com/banshee-data/face.relay/internal/face/visualiser"
	"github.com/banshee-data/face.relay/internal/httputil"
	"github.com/banshee-data/face.relay/internal/version"
)

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status    string  `json:"status"`
	Listening bool    `json:"listening"`
	Address   string  `json:"address,omitempty"`
	Uptime    float64 `json:"uptime_seconds"`
}

// SnapshotResponse is returned by /api/face/snapshot.
type SnapshotResponse struct {
	Snapshot   face.Snapshot `json:"snapshot"`
	Version    uint64        `json:"version"`
	UpdatedAt  *time.Time    `json:"updated_at,omitempty"`
	AgeSeconds *float64      `json:"age_seconds,omitempty"`
}

// ChannelValue is one mapped channel in /api/face/channels.
type ChannelValue struct {
	Channel string  `json:"channel"`
	Target  string  `json:"target"`
	Index   int     `json:"index"`
	Param   string  `json:"param,omitempty"`
	Value   float32 `json:"value"`
}

// Rotation is a unit quaternion.
type Rotation struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ChannelsResponse is returned by /api/face/channels.
type ChannelsResponse struct {
	Seq        uint64         `json:"seq"`
	Time       time.Time      `json:"time"`
	Channels   []ChannelValue `json:"channels"`
	HeadTarget string         `json:"head_target,omitempty"`
	Rotation   *Rotation      `json:"rotation,omitempty"`
}

// ListenerStats is the listener part of /api/face/stats.
type ListenerStats struct {
	ID      string                `json:"id"`
	Running bool                  `json:"running"`
	Address string                `json:"address,omitempty"`
	Packets network.StatsSnapshot `json:"packets"`
}

// SamplerStats is the sampler part of /api/face/stats.
type SamplerStats struct {
	Ticks      uint64  `json:"ticks"`
	Panics     uint64  `json:"panics"`
	IntervalMs float64 `json:"interval_ms"`
	SinkErrors int64   `json:"sink_errors"`
}

// StatsResponse is returned by /api/face/stats.
type StatsResponse struct {
	Listener *ListenerStats             `json:"listener,omitempty"`
	Sampler  *SamplerStats              `json:"sampler,omitempty"`
	Stream   *visualiser.PublisherStats `json:"stream,omitempty"`
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(ws.started).Seconds(),
	}
	if ws.listener != nil {
		resp.Listening = ws.listener.Running()
		if addr := ws.listener.Addr(); addr != nil {
			resp.Address = addr.String()
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (ws *WebServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	if ws.listener == nil {
		httputil.NotFound(w, "no listener configured")
		return
	}
	st := ws.listener.State()
	resp := SnapshotResponse{
		Snapshot: st.Snapshot(),
		Version:  st.Version(),
	}
	if at := st.UpdatedAt(); !at.IsZero() {
		age := time.Since(at).Seconds()
		resp.UpdatedAt = &at
		resp.AgeSeconds = &age
	}
	httputil.WriteJSONOK(w, resp)
}

func (ws *WebServer) handleChannels(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	if ws.sampler == nil {
		httputil.NotFound(w, "no sampler configured")
		return
	}
	rec, ok := ws.sampler.Latest()
	if !ok {
		httputil.NotFound(w, "no samples yet")
		return
	}

	params := make(map[mapping.ChannelID]face.Param)
	for _, rb := range ws.sampler.Mapper().Bindings() {
		params[rb.ID] = rb.Param
	}

	resp := ChannelsResponse{
		Seq:      rec.Seq,
		Time:     rec.Time,
		Channels: make([]ChannelValue, 0, len(rec.Sample.Channels)),
	}
	for _, id := range rec.Sample.ChannelIDs() {
		cv := ChannelValue{
			Channel: id.String(),
			Target:  id.Target,
			Index:   id.Index,
			Value:   rec.Sample.Channels[id],
		}
		if p, ok := params[id]; ok {
			cv.Param = p.String()
		}
		resp.Channels = append(resp.Channels, cv)
	}
	if rec.Sample.HasRotation {
		q := rec.Sample.Rotation
		resp.HeadTarget = rec.Sample.HeadTarget
		resp.Rotation = &Rotation{W: q.Real, X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	}
	httputil.WriteJSONOK(w, resp)
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	var resp StatsResponse
	if l := ws.listener; l != nil {
		ls := &ListenerStats{
			ID:      l.ID().String(),
			Running: l.Running(),
			Packets: l.Stats().Snapshot(),
		}
		if addr := l.Addr(); addr != nil {
			ls.Address = addr.String()
		}
		resp.Listener = ls
	}
	if s := ws.sampler; s != nil {
		ss := &SamplerStats{
			Ticks:      s.Ticks(),
			Panics:     s.Panics(),
			IntervalMs: float64(s.Interval()) / float64(time.Millisecond),
		}
		if ws.router != nil {
			ss.SinkErrors = ws.router.Errors()
		}
		resp.Sampler = ss
	}
	if ws.stream != nil {
		ps := ws.stream.Stats()
		resp.Stream = &ps
	}
	httputil.WriteJSONOK(w, resp)
}

func (ws *WebServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-serial/internal/history"
	"github.com/nerrad567/gray-logic-serial/internal/serialport"
	"github.com/nerrad567/gray-logic-serial/internal/session"
)

// handleHealth returns the bridge health record.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Health())
}

// =============================================================================
// Ports
// =============================================================================

// handleListPorts returns the port listing in the shape published on
// {ns}/comports. Query: vid_pid (repeatable or comma separated),
// include_all, check_available, only_available.
func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r.URL.Query())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ports, err := s.ports.Comports(opts)
	if err != nil {
		if errors.Is(err, serialport.ErrInvalidParams) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("listing ports failed", "error", err)
		writeInternalError(w, "failed to list ports")
		return
	}

	listing := make(map[string]serialport.PortInfo, len(ports))
	for _, p := range ports {
		listing[p.Name] = p
	}
	writeJSON(w, http.StatusOK, listing)
}

func parseListOptions(q url.Values) (serialport.ListOptions, error) {
	var opts serialport.ListOptions
	for _, v := range q["vid_pid"] {
		for _, vp := range strings.Split(v, ",") {
			if vp = strings.TrimSpace(vp); vp != "" {
				opts.VIDPID = append(opts.VIDPID, vp)
			}
		}
	}

	var err error
	if opts.IncludeAll, err = queryBool(q, "include_all"); err != nil {
		return opts, err
	}
	if opts.CheckAvailable, err = queryBool(q, "check_available"); err != nil {
		return opts, err
	}
	if opts.OnlyAvailable, err = queryBool(q, "only_available"); err != nil {
		return opts, err
	}
	return opts, nil
}

// =============================================================================
// Sessions
// =============================================================================

// SessionView is the API representation of a device session.
type SessionView struct {
	DeviceID   string             `json:"device_id"`
	State      string             `json:"state"`
	Connected  bool               `json:"connected"`
	Reconnects int                `json:"reconnects"`
	Status     *serialport.Status `json:"status"`
	Traffic    *TrafficView       `json:"traffic,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// TrafficView holds the byte counters of the current connection.
type TrafficView struct {
	BytesRx  uint64    `json:"bytes_rx"`
	BytesTx  uint64    `json:"bytes_tx"`
	OpenedAt time.Time `json:"opened_at"`
}

func newSessionView(deviceID string, s *session.Session) SessionView {
	v := SessionView{
		DeviceID:   deviceID,
		State:      s.State().String(),
		Connected:  s.Connected().IsSet(),
		Reconnects: s.Reconnects(),
		Status:     s.Status(),
	}
	if stats, ok := s.Stats(); ok {
		v.Traffic = &TrafficView{
			BytesRx:  stats.BytesRx,
			BytesTx:  stats.BytesTx,
			OpenedAt: stats.OpenedAt.UTC(),
		}
	}
	if err := s.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

// handleListSessions returns every registered session, sorted by device id.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	ids := s.bridge.Sessions()
	views := make([]SessionView, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.bridge.Session(id)
		if !ok {
			continue // closed since the id snapshot
		}
		views = append(views, newSessionView(id, sess))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": views,
		"count":    len(views),
	})
}

// handleGetSession returns one session. Device ids containing "/" must be
// path-escaped, as on MQTT.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		writeBadRequest(w, "invalid device id")
		return
	}

	sess, ok := s.bridge.Session(id)
	if !ok {
		writeNotFound(w, "no session for device "+id)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(id, sess))
}

// deviceIDParam returns the decoded {id} path parameter. chi yields the
// escaped form when the request path carried escaped separators.
func deviceIDParam(r *http.Request) (string, error) {
	param := chi.URLParam(r, "id")
	if r.URL.RawPath == "" {
		return param, nil
	}
	return url.PathUnescape(param)
}

// =============================================================================
// Events
// =============================================================================

// handleListEvents returns recorded session events, most recent first.
// Query: device, type, since (RFC 3339 instant or a duration such as 15m),
// limit, offset.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session history is disabled")
		return
	}

	filter, err := parseEventFilter(r.URL.Query(), time.Now())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	res, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing session events failed", "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseEventFilter(q url.Values, now time.Time) (history.Filter, error) {
	f := history.Filter{DeviceID: q.Get("device")}

	if t := q.Get("type"); t != "" {
		f.Type = history.EventType(t)
		if !f.Type.Valid() {
			return f, errors.New("unknown event type " + strconv.Quote(t))
		}
	}

	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		} else if d, err := time.ParseDuration(since); err == nil && d > 0 {
			f.Since = now.Add(-d)
		} else {
			return f, errors.New("since must be an RFC 3339 time or a positive duration")
		}
	}

	var err error
	if f.Limit, err = queryInt(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(q, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

// =============================================================================
// Query helpers
// =============================================================================

func queryBool(q url.Values, key string) (bool, error) {
	v := q.Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New(key + " must be a boolean")
	}
	return b, nil
}

func queryInt(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-serial/internal/history"
	"github.com/nerrad567/gray-logic-serial/internal/serialport"
	"github.com/nerrad567/gray-logic-serial/internal/session"
)

// =============================================================================
// ports
// =============================================================================

type portsOptions struct {
	vidPID        []string
	includeAll    bool
	available     bool
	onlyAvailable bool
}

func newPortsCmd(_ *rootOptions) *cobra.Command {
	po := &portsOptions{}

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Long: `List the serial ports visible to the operating system as the JSON map
published on {ns}/comports.

Example usage:
  serialdeviced ports
  serialdeviced ports --vid-pid 2341:0043 --include-all
  serialdeviced ports --only-available`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			disc := serialport.NewDiscovery(serialport.SystemOpener)
			return listPorts(cmd.OutOrStdout(), disc, po.listOptions())
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&po.vidPID, "vid-pid", nil, "keep ports matching vid:pid (repeatable)")
	f.BoolVar(&po.includeAll, "include-all", false, "keep non-matching ports, listed after matches")
	f.BoolVar(&po.available, "check-available", false, "trial-open each port and report availability")
	f.BoolVar(&po.onlyAvailable, "only-available", false, "list only ports that can be opened")
	return cmd
}

func (po *portsOptions) listOptions() serialport.ListOptions {
	return serialport.ListOptions{
		VIDPID:         po.vidPID,
		IncludeAll:     po.includeAll,
		CheckAvailable: po.available,
		OnlyAvailable:  po.onlyAvailable,
	}
}

type portLister interface {
	Comports(opts serialport.ListOptions) ([]serialport.PortInfo, error)
}

func listPorts(w io.Writer, disc portLister, opts serialport.ListOptions) error {
	ports, err := disc.Comports(opts)
	if err != nil {
		return err
	}

	listing := make(map[string]serialport.PortInfo, len(ports))
	for _, p := range ports {
		listing[p.Name] = p
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(listing)
}

// =============================================================================
// events
// =============================================================================

type eventsOptions struct {
	deviceID  string
	eventType string
	since     time.Duration
	limit     int
	offset    int
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	eo := &eventsOptions{}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recorded session events",
		Long: `Print session lifecycle events from the history database, most recent
first, one JSON object per line.

Example usage:
  serialdeviced events
  serialdeviced events --device COM9 --type disconnected --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled {
				return errors.New("session history is disabled (database.enabled: false)")
			}

			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // read-only command

			return printEvents(cmd.Context(), cmd.OutOrStdout(), history.NewSQLiteRepository(db.DB), eo.filter(time.Now()))
		},
	}

	f := cmd.Flags()
	f.StringVar(&eo.deviceID, "device", "", "only events for this device")
	f.StringVar(&eo.eventType, "type", "", "only events of this type (connected, disconnected, closed, error)")
	f.DurationVar(&eo.since, "since", 0, "only events newer than this duration")
	f.IntVar(&eo.limit, "limit", 50, "maximum events to print")
	f.IntVar(&eo.offset, "offset", 0, "events to skip")
	return cmd
}

func (eo *eventsOptions) filter(now time.Time) history.Filter {
	f := history.Filter{
		DeviceID: eo.deviceID,
		Type:     history.EventType(eo.eventType),
		Limit:    eo.limit,
		Offset:   eo.offset,
	}
	if eo.since > 0 {
		f.Since = now.Add(-eo.since)
	}
	return f
}

func printEvents(ctx context.Context, w io.Writer, repo history.Repository, filter history.Filter) error {
	if filter.Type != "" && !filter.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", history.ErrInvalidEvent, filter.Type)
	}

	res, err := repo.List(ctx, filter)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	for _, e := range res.Events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// probe
// =============================================================================

type probeOptions struct {
	baudRate int
	request  string
	hexInput bool
	timeout  time.Duration
}

func newProbeCmd(opts *rootOptions) *cobra.Command {
	pr := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Find the port whose device answers a request",
		Long: `Open each available port in turn, send the request and wait for any
reply. The first port that answers is printed.

The response wait uses serial.poll_queues and serial.busy_poll_yield from
the configuration.

Example usage:
  serialdeviced probe --baud 115200 --request "AT\r\n"
  serialdeviced probe --baud 9600 --hex --request 01030000000a`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			mode, err := session.ParsePollMode(cfg.Serial.PollQueues)
			if err != nil {
				return err
			}
			payload, err := pr.payload()
			if err != nil {
				return err
			}

			disc := serialport.NewDiscovery(serialport.SystemOpener)
			test := answersRequest(disc, serialport.SystemOpener, payload, session.RequestOptions{
				Timeout: pr.timeout,
				Poll:    mode,
				Yield:   cfg.Serial.BusyPollYield,
			})

			port, err := disc.FindPort(cmd.Context(), pr.baudRate, test)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), port)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&pr.baudRate, "baud", "b", 9600, "baud rate")
	f.StringVarP(&pr.request, "request", "r", "", "bytes to send")
	f.BoolVar(&pr.hexInput, "hex", false, "request is hex encoded")
	f.DurationVarP(&pr.timeout, "timeout", "t", time.Second, "wait for connection and reply")
	return cmd
}

func (pr *probeOptions) payload() ([]byte, error) {
	if pr.request == "" {
		return nil, errors.New("--request is required")
	}
	if !pr.hexInput {
		return []byte(pr.request), nil
	}
	b, err := hex.DecodeString(pr.request)
	if err != nil {
		return nil, fmt.Errorf("decoding --request: %w", err)
	}
	return b, nil
}

// answersRequest builds a connection test that opens a short-lived session
// on the port and reports whether any reply arrives.
func answersRequest(disc session.Discoverer, opener serialport.Opener, payload []byte, ro session.RequestOptions) serialport.ConnectionTest {
	return func(ctx context.Context, port string, baudRate int) bool {
		replies := make(chan []byte, 1)
		s, err := session.New(session.Options{
			DeviceID:            port,
			Params:              serialport.DefaultParams(baudRate),
			Opener:              opener,
			Discovery:           disc,
			FirstConnectTimeout: ro.Timeout,
			Handler: session.HandlerFunc(func(data []byte) {
				select {
				case replies <- data:
				default:
				}
			}),
		})
		if err != nil {
			return false
		}
		if err := s.Start(); err != nil {
			return false
		}
		defer s.Shutdown(ctx) //nolint:errcheck // probe teardown

		reply, err := session.Request(s, replies, payload, ro)
		return err == nil && len(reply) > 0
	}
}

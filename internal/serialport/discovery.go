package serialport

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"golang.org/x/sync/errgroup"
)

// probeConcurrency bounds parallel trial opens during availability checks.
const probeConcurrency = 4

// findPortProbeDelay separates successive FindPort probes so a device that
// was just released has time to settle.
const findPortProbeDelay = 100 * time.Millisecond

// PortInfo describes one enumerated port.
type PortInfo struct {
	Name       string `json:"-"`
	Descriptor string `json:"descriptor"`
	HardwareID string `json:"hardware_id"`
	VID        string `json:"vid,omitempty"`
	PID        string `json:"pid,omitempty"`
	Serial     string `json:"serial_number,omitempty"`
	Available  *bool  `json:"available,omitempty"`
}

// ListOptions filters and annotates a port listing.
type ListOptions struct {
	// VIDPID keeps only ports whose hardware id matches one of the given
	// "vid:pid" pairs (hex, case-insensitive).
	VIDPID []string

	// IncludeAll keeps non-matching ports when VIDPID is set; matching
	// ports are listed first.
	IncludeAll bool

	// CheckAvailable trial-opens each port and records the result.
	CheckAvailable bool

	// OnlyAvailable drops ports that cannot be opened. Implies CheckAvailable.
	OnlyAvailable bool
}

// Lister enumerates ports. enumerator.GetDetailedPortsList satisfies it.
type Lister func() ([]*enumerator.PortDetails, error)

// Discovery enumerates ports and probes their availability.
type Discovery struct {
	list        Lister
	opener      Opener
	probeParams Params
	probeDelay  time.Duration
}

// NewDiscovery creates a Discovery over the operating system port list.
// A nil opener uses SystemOpener.
func NewDiscovery(opener Opener) *Discovery {
	return NewDiscoveryWithLister(enumerator.GetDetailedPortsList, opener)
}

// NewDiscoveryWithLister creates a Discovery with a custom enumerator.
func NewDiscoveryWithLister(list Lister, opener Opener) *Discovery {
	if opener == nil {
		opener = SystemOpener
	}
	return &Discovery{
		list:        list,
		opener:      opener,
		probeParams: DefaultParams(9600),
		probeDelay:  findPortProbeDelay,
	}
}

// Comports lists the ports visible to the operating system, keyed by name.
// The returned slice is sorted by port name, with VIDPID matches first when
// IncludeAll is set.
func (d *Discovery) Comports(opts ListOptions) ([]PortInfo, error) {
	details, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnumerationFailed, err)
	}

	want := make(map[string]bool, len(opts.VIDPID))
	for _, vp := range opts.VIDPID {
		vid, pid, ok := splitVIDPID(vp)
		if !ok {
			return nil, fmt.Errorf("%w: vid:pid %q", ErrInvalidParams, vp)
		}
		want[vid+":"+pid] = true
	}

	ports := make([]PortInfo, 0, len(details))
	for _, pd := range details {
		if pd == nil || pd.Name == "" {
			continue
		}
		ports = append(ports, portInfoFromDetails(pd))
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })

	if len(want) > 0 {
		ports = filterByVIDPID(ports, want, opts.IncludeAll)
	}

	if opts.CheckAvailable || opts.OnlyAvailable {
		d.annotateAvailability(ports)
	}

	if opts.OnlyAvailable {
		kept := ports[:0]
		for _, p := range ports {
			if p.Available != nil && *p.Available {
				kept = append(kept, p)
			}
		}
		ports = kept
	}

	return ports, nil
}

// Present reports whether the named port is currently enumerated.
func (d *Discovery) Present(name string) (bool, error) {
	ports, err := d.Comports(ListOptions{})
	if err != nil {
		return false, err
	}
	for _, p := range ports {
		if p.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Available reports whether the named port can be opened right now.
func (d *Discovery) Available(name string) bool {
	port, err := d.opener.Open(name, d.probeParams)
	if err != nil {
		return false
	}
	port.Close() //nolint:errcheck // probe only
	return true
}

// ConnectionTest decides whether the device on port answers at baudRate.
type ConnectionTest func(ctx context.Context, port string, baudRate int) bool

// FindPort probes every available port with test and returns the first one
// that passes.
func (d *Discovery) FindPort(ctx context.Context, baudRate int, test ConnectionTest) (string, error) {
	ports, err := d.Comports(ListOptions{OnlyAvailable: true})
	if err != nil {
		return "", err
	}

	for i, p := range ports {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d.probeDelay):
			}
		}
		if test(ctx, p.Name, baudRate) {
			return p.Name, nil
		}
	}
	return "", ErrNoMatchingPort
}

func (d *Discovery) annotateAvailability(ports []PortInfo) {
	var g errgroup.Group
	g.SetLimit(probeConcurrency)
	for i := range ports {
		g.Go(func() error {
			ok := d.Available(ports[i].Name)
			ports[i].Available = &ok
			return nil
		})
	}
	g.Wait() //nolint:errcheck // probes never fail
}

func portInfoFromDetails(pd *enumerator.PortDetails) PortInfo {
	info := PortInfo{
		Name:       pd.Name,
		Descriptor: "n/a",
		HardwareID: "n/a",
	}

	if pd.Product != "" {
		info.Descriptor = pd.Product
	}

	if pd.IsUSB {
		info.HardwareID = fmt.Sprintf("USB VID:PID=%s:%s", strings.ToUpper(pd.VID), strings.ToUpper(pd.PID))
		if pd.SerialNumber != "" {
			info.HardwareID += " SER=" + pd.SerialNumber
		}
		info.Serial = pd.SerialNumber
	}
	info.VID, info.PID, _ = ParseHardwareID(info.HardwareID)

	return info
}

var (
	hwidVIDPlus  = regexp.MustCompile(`vid_([0-9a-f]+)\+pid_([0-9a-f]+)`)
	hwidVIDColon = regexp.MustCompile(`vid:pid=([0-9a-f]+):([0-9a-f]+)`)
	vidPIDArg    = regexp.MustCompile(`^([0-9a-f]+):([0-9a-f]+)$`)
)

// ParseHardwareID extracts the USB vendor and product ids from a hardware
// id string. Both the Windows "FTDIBUS\VID_0403+PID_6001+A600\0000" form
// and the "USB VID:PID=16C0:0483 SNR=2145930" form are recognised.
// Results are lower-case hex.
func ParseHardwareID(hwid string) (vid, pid string, ok bool) {
	lower := strings.ToLower(hwid)
	for _, re := range []*regexp.Regexp{hwidVIDPlus, hwidVIDColon} {
		if m := re.FindStringSubmatch(lower); m != nil {
			return m[1], m[2], true
		}
	}
	return "", "", false
}

func splitVIDPID(s string) (vid, pid string, ok bool) {
	m := vidPIDArg.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func filterByVIDPID(ports []PortInfo, want map[string]bool, includeAll bool) []PortInfo {
	matched := make([]PortInfo, 0, len(ports))
	var rest []PortInfo
	for _, p := range ports {
		if p.VID != "" && want[p.VID+":"+p.PID] {
			matched = append(matched, p)
		} else if includeAll {
			rest = append(rest, p)
		}
	}
	return append(matched, rest...)
}

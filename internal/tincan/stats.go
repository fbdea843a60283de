package tincan

import (
	"github.com/spf13/cast"
)

// LinkState is the datapath's view of a link's connectivity.
type LinkState string

const (
	// StateOnline means ICE connectivity checks are passing.
	StateOnline LinkState = "ONLINE"
	// StateOffline means the link exists but has no working candidate pair.
	StateOffline LinkState = "OFFLINE"
	// StateUnknown means the datapath holds no record of the link.
	StateUnknown LinkState = "UNKNOWN"
)

// LinkStatus is one link's entry in a TCI_QUERY_LINK_STATS response.
type LinkStatus struct {
	Status  LinkState
	IceRole string
	// Stats is the datapath's opaque counter map; the core stores it
	// verbatim and never interprets it.
	Stats map[string]any
}

// StatsReport maps tunnel id to link id to status.
type StatsReport map[string]map[string]LinkStatus

// DecodeStatsReport converts a loosely typed stats response, as produced by
// a wire decode, into a StatsReport. Typed responses pass through unchanged.
func DecodeStatsReport(data any) StatsReport {
	if r, ok := data.(StatsReport); ok {
		return r
	}
	raw, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	report := make(StatsReport, len(raw))
	for tnlID, links := range raw {
		linkMap, ok := links.(map[string]any)
		if !ok {
			continue
		}
		report[tnlID] = make(map[string]LinkStatus, len(linkMap))
		for lnkID, status := range linkMap {
			report[tnlID][lnkID] = decodeLinkStatus(status)
		}
	}
	return report
}

func decodeLinkStatus(v any) LinkStatus {
	if s, ok := v.(LinkStatus); ok {
		return s
	}
	m := cast.ToStringMap(v)
	status := LinkStatus{
		Status:  LinkState(cast.ToString(m["Status"])),
		IceRole: cast.ToString(m["IceRole"]),
	}
	if stats, ok := m["Stats"].(map[string]any); ok {
		status.Stats = stats
	}
	return status
}

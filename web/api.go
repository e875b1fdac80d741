package web

import (
	"encoding/json"
	"net/http"

	"minidns/stats"
	"minidns/zone"
)

// API handles REST API endpoints
type API struct {
	stats *stats.Stats
	real  *zone.Store
	fake  *zone.Store
}

// NewAPI creates a new API handler
func NewAPI(s *stats.Stats, real, fake *zone.Store) *API {
	return &API{
		stats: s,
		real:  real,
		fake:  fake,
	}
}

// ZoneInfo describes one loaded zone.
type ZoneInfo struct {
	Origin  string         `json:"origin"`
	Records map[string]int `json:"records"`
}

// ZonesResponse is the body of /api/zones.
type ZonesResponse struct {
	Real []ZoneInfo `json:"real"`
	Fake []ZoneInfo `json:"fake"`
}

// HandleStats returns statistics as JSON
func (a *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, a.stats.GetSnapshot())
}

// HandleZones lists the loaded zones with record counts per type.
func (a *API) HandleZones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, ZonesResponse{
		Real: describe(a.real),
		Fake: describe(a.fake),
	})
}

func describe(s *zone.Store) []ZoneInfo {
	if s == nil {
		return []ZoneInfo{}
	}
	infos := make([]ZoneInfo, 0, len(s.Origins()))
	for _, origin := range s.Origins() {
		z, _ := s.Zone(origin)
		info := ZoneInfo{Origin: origin, Records: make(map[string]int, len(z.Records))}
		for t, rrs := range z.Records {
			info.Records[t.String()] = len(rrs)
		}
		infos = append(infos, info)
	}
	return infos
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Error encoding JSON", http.StatusInternalServerError)
	}
}

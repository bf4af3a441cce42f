package registry

import (
	linq "github.com/ahmetb/go-linq/v3"

	"github.com/signalsfoundry/bs-mac-engine/internal/mac"
)

// Snapshot summarises the registry for diagnostics.
type Snapshot struct {
	Stations       int
	Registered     int
	Ranged         int
	Flows          int
	Multicast      int
	Admitted       int
	Active         int
	ReservedSlots  int
	FlowsByService map[string]int
	StationStates  map[string]int
}

// Snapshot aggregates the current table.
func (r *Registry) Snapshot() Snapshot {
	stations := r.Stations()
	flows := make([]*Flow, 0, r.NumFlows())
	for _, ss := range stations {
		flows = append(flows, ss.AllFlows()...)
	}
	flows = append(flows, r.MulticastFlows()...)

	s := Snapshot{
		Stations:       len(stations),
		Flows:          len(flows),
		Multicast:      len(r.multicast),
		FlowsByService: map[string]int{},
		StationStates:  map[string]int{},
	}
	s.Registered = linq.From(stations).WhereT(func(ss *SS) bool { return ss.Registered }).Count()
	s.Ranged = linq.From(stations).WhereT(func(ss *SS) bool { return ss.Ranging.Completed }).Count()
	s.Admitted = linq.From(flows).WhereT(func(f *Flow) bool { return f.Admitted }).Count()
	s.Active = linq.From(flows).WhereT(func(f *Flow) bool { return f.Activated }).Count()
	s.ReservedSlots = int(linq.From(flows).
		WhereT(func(f *Flow) bool { return f.Admitted && f.ServiceType != mac.ServiceBE }).
		SelectT(func(f *Flow) int { return f.ReservedSlots }).
		SumInts())

	linq.From(flows).GroupByT(
		func(f *Flow) string { return f.ServiceType.String() },
		func(f *Flow) *Flow { return f },
	).ToMapByT(&s.FlowsByService,
		func(g linq.Group) string { return g.Key.(string) },
		func(g linq.Group) int { return len(g.Group) },
	)
	linq.From(stations).GroupByT(
		func(ss *SS) string { return string(ss.Ranging.State) },
		func(ss *SS) *SS { return ss },
	).ToMapByT(&s.StationStates,
		func(g linq.Group) string { return g.Key.(string) },
		func(g linq.Group) int { return len(g.Group) },
	)
	return s
}

package dlmsal

import (
	"fmt"
	"maps"
)

// Object identifiers known to the default registry.
const (
	ObjectInstant     = 0
	ObjectBilling     = 1
	ObjectLoadProfile = 2
	ObjectEventLog    = 3
	ObjectClock       = 4
	ObjectDemandReset = 88
)

// CosemObject addresses one interface class instance.
type CosemObject struct {
	ClassId uint16
	Obis    DlmsObis
}

func (o CosemObject) String() string {
	return fmt.Sprintf("%d/%v", o.ClassId, o.Obis)
}

// Registry maps caller object identifiers to COSEM objects.
type Registry map[int]CosemObject

func DefaultRegistry() Registry {
	return Registry{
		ObjectInstant:     {ClassId: 7, Obis: DlmsObis{A: 1, B: 0, C: 94, D: 91, E: 0, F: 255}},
		ObjectBilling:     {ClassId: 7, Obis: DlmsObis{A: 1, B: 0, C: 98, D: 1, E: 0, F: 255}},
		ObjectLoadProfile: {ClassId: 7, Obis: DlmsObis{A: 1, B: 0, C: 99, D: 1, E: 0, F: 255}},
		ObjectEventLog:    {ClassId: 7, Obis: DlmsObis{A: 0, B: 0, C: 99, D: 98, E: 0, F: 255}},
		ObjectClock:       {ClassId: 8, Obis: DlmsObis{A: 0, B: 0, C: 1, D: 0, E: 0, F: 255}},
		ObjectDemandReset: {ClassId: 9, Obis: DlmsObis{A: 0, B: 0, C: 10, D: 0, E: 1, F: 255}},
	}
}

// With returns a copy of the registry with the given entries added or replaced.
func (r Registry) With(extra Registry) Registry {
	out := maps.Clone(r)
	if out == nil {
		out = Registry{}
	}
	maps.Copy(out, extra)
	return out
}

func (r Registry) Lookup(id int) (CosemObject, error) {
	o, ok := r[id]
	if !ok {
		return CosemObject{}, fmt.Errorf("unknown object id %d", id)
	}
	return o, nil
}

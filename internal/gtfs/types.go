package gtfs

// Route is a row of the GTFS routes table as needed for labelling buses.
type Route struct {
	RouteID   string
	ShortName string
	LongName  string
	Type      int
}

// Label returns the most readable name available.
func (r Route) Label() string {
	switch {
	case r.ShortName != "" && r.LongName != "":
		return r.ShortName + " " + r.LongName
	case r.ShortName != "":
		return r.ShortName
	case r.LongName != "":
		return r.LongName
	}
	return r.RouteID
}

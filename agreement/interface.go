package agreement

// Incident is one failed ingestion or reconciliation attempt, written to
// the dated incident log so it can be diagnosed without stopping the loop.
type Incident struct {
	Component string
	Action    string
	Kind      string
	Key       string
	TxHashes  []string
	Err       error
}

// IncidentRecorder persists incidents. Implementations must not block
// the caller for long and must never panic.
type IncidentRecorder interface {
	Record(inc *Incident)
}

// NopIncidentRecorder drops every incident.
type NopIncidentRecorder struct{}

func (NopIncidentRecorder) Record(*Incident) {}

package configuration

// EnsembleConfiguration describes the ensemble this run assimilates
// against: its realization count and the forward-model command each
// realization launches.
type EnsembleConfiguration struct {
	NumRealizations int
	RunCmd          string
	Argv            []string
	NumCPU          int
}

// QueueConfiguration mirrors the job queue manager's own knobs (spec.md
// §4.3/§6), surfaced for CLI/config-file control rather than hard-coded.
type QueueConfiguration struct {
	MaxSubmit  int
	MaxRunning int
}

// IESConfiguration mirrors pkg/ies.Config's fields as plain strings/
// numbers a YAML file or ASSIMILATE_-prefixed env var can set;
// cmd/run.go's buildIESConfig translates InversionVariant from its
// string name.
type IESConfiguration struct {
	InversionVariant string
	Truncation       float64
	MaxStepLength    float64
	MinStepLength    float64
	DecStepLength    float64
	AAProjection     bool
}

// ObservationsConfiguration carries the observed values and per-
// observation measurement-error standard deviations; this toolkit
// treats the ensemble's prior/observation serialization format as an
// opaque external collaborator (spec.md's non-goal), so these are taken
// directly as flat float lists rather than read from a domain-specific
// ensemble file format.
type ObservationsConfiguration struct {
	Values  []float64
	StdDevs []float64
}

// AssimilateConfiguration is the top-level configuration unmarshalled
// from config.yaml / ASSIMILATE_ environment variables by
// common.LoadConfig.
type AssimilateConfiguration struct {
	DataRoot           string
	RunRoot            string
	MaxOuterIterations int
	MetricsPort        uint16
	Ensemble           EnsembleConfiguration
	Queue              QueueConfiguration
	IES                IESConfiguration
	Observations       ObservationsConfiguration
}

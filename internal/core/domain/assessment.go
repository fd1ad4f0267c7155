package domain

import (
	"errors"
	"time"
)

// AssessmentID uniquely identifies one attack-surface assessment run.
type AssessmentID string

// AssessmentStatus is the lifecycle state of an assessment.
type AssessmentStatus string

const (
	AssessmentPending  AssessmentStatus = "pending"
	AssessmentRunning  AssessmentStatus = "running"
	AssessmentDone     AssessmentStatus = "done"
	AssessmentFailed   AssessmentStatus = "failed"
	AssessmentCanceled AssessmentStatus = "canceled"
)

// AssessmentStep names a node in the assessment state machine.
type AssessmentStep string

const (
	StepReconnaissance AssessmentStep = "reconnaissance"
	StepPortScan       AssessmentStep = "port_scan"
	StepAnalysis       AssessmentStep = "analysis"
	StepReport         AssessmentStep = "report"
)

// FindingSeverity ranks a finding.
type FindingSeverity string

const (
	SeverityInfo     FindingSeverity = "info"
	SeverityLow      FindingSeverity = "low"
	SeverityMedium   FindingSeverity = "medium"
	SeverityHigh     FindingSeverity = "high"
	SeverityCritical FindingSeverity = "critical"
)

// Finding is one security observation produced during analysis.
type Finding struct {
	ID           string          `json:"id"`
	AssessmentID AssessmentID    `json:"assessment_id"`
	Host         string          `json:"host"`
	Port         int             `json:"port,omitempty"`
	Service      string          `json:"service,omitempty"`
	Severity     FindingSeverity `json:"severity"`
	Title        string          `json:"title"`
	Detail       string          `json:"detail,omitempty"`
	Exploitable  bool            `json:"exploitable"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AttackSurfaceState is the shared state threaded through the assessment
// workflow. Each step has a single accumulation rule: hosts and ports append,
// findings append, the log appends, report is written once by the report step.
type AttackSurfaceState struct {
	ID        AssessmentID     `json:"id"`
	Target    string           `json:"target"`
	Status    AssessmentStatus `json:"status"`
	Step      AssessmentStep   `json:"step,omitempty"`
	Hosts     []string         `json:"hosts,omitempty"`
	OpenPorts []PortObservation `json:"open_ports,omitempty"`
	Findings  []Finding        `json:"findings,omitempty"`
	Report    string           `json:"report,omitempty"`
	Log       []string         `json:"log,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// PortObservation records one open port seen during scanning.
type PortObservation struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Proto   string `json:"proto"`
	Service string `json:"service,omitempty"`
	Banner  string `json:"banner,omitempty"`
}

// Exploitable reports whether any finding was judged exploitable. The
// workflow's conditional edge routes on this.
func (s *AttackSurfaceState) Exploitable() bool {
	for _, f := range s.Findings {
		if f.Exploitable {
			return true
		}
	}
	return false
}

// AppendLog adds a timestamped line to the workflow log.
func (s *AttackSurfaceState) AppendLog(line string) {
	s.Log = append(s.Log, time.Now().UTC().Format(time.RFC3339)+" "+line)
}

var ErrAssessmentNotFound = errors.New("assessment not found")

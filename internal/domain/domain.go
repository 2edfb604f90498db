package domain

// Task is one work item inside a plan.
type Task struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Type            string   `json:"type" enum:"analysis,design,feature,quality,ops,mitigation"`
	EstimatePoints  int      `json:"estimate_points"`
	Risk            string   `json:"risk" enum:"low,medium,high"`
	RiskScore       int      `json:"risk_score"`
	RiskProbability float64  `json:"risk_probability"`
	RiskImpact      float64  `json:"risk_impact"`
	RiskExposure    float64  `json:"risk_exposure"`
	WSJF            float64  `json:"wsjf"`
	Priority        int      `json:"priority"`
	Acceptance      string   `json:"acceptance"`
	DependsOn       []string `json:"depends_on"`
	Status          string   `json:"status,omitempty"`
}

type Plan struct {
	Initiative         string         `json:"initiative"`
	GeneratedAt        string         `json:"generated_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at,omitempty" format:"date-time"`
	SprintGoal         string         `json:"sprint_goal"`
	VelocityAssumption int            `json:"velocity_assumption"`
	Tasks              []Task         `json:"tasks"`
	Blockers           []string       `json:"blockers"`
	AggregateRiskScore int            `json:"aggregate_risk_score"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

type ReleaseView struct {
	GeneratedAt   string   `json:"generated_at" format:"date-time"`
	Window        string   `json:"window"`
	NextMilestone string   `json:"next_milestone"`
	Notes         []string `json:"notes"`
	RollbackStub  string   `json:"rollback_stub"`
}

// RunResult is the aggregate returned by one orchestrator run.
type RunResult struct {
	RunID              string         `json:"run_id"`
	Plan               Plan           `json:"plan"`
	Release            ReleaseView    `json:"release"`
	StakeholderSummary string         `json:"stakeholder_summary"`
	Metrics            map[string]int `json:"metrics"`
	AggregateRiskScore int            `json:"aggregate_risk_score"`
}

type Project struct {
	Name      string         `json:"name"`
	Slug      string         `json:"slug"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	Runs      int            `json:"runs"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Manifest struct {
	Initiative string   `json:"initiative"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	Project    string   `json:"project"`
	Files      []string `json:"files"`
}

// Run is a listing entry for one persisted run directory.
type Run struct {
	ID         string `json:"id"`
	Initiative string `json:"initiative,omitempty"`
	CreatedAt  string `json:"created_at,omitempty" format:"date-time"`
}

type Message struct {
	Sender    string `json:"sender" enum:"user,agent"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	Project string `json:"project,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Payload string `json:"payload_json"`
}

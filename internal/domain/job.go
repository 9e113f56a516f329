package domain

import "time"

type JobType string

const (
	JobRegister  JobType = "register"
	JobRenew     JobType = "renew"
	JobUpdateDNS JobType = "update_dns"
	JobTransfer  JobType = "transfer"
	JobNotify    JobType = "notify"
)

// JobTypes lists every lane the worker pool serves.
var JobTypes = []JobType{JobRegister, JobRenew, JobUpdateDNS, JobTransfer, JobNotify}

func (t JobType) Valid() bool {
	for _, jt := range JobTypes {
		if jt == t {
			return true
		}
	}
	return false
}

type State string

const (
	Queued       State = "queued"
	Active       State = "active"
	Completed    State = "completed"
	Failed       State = "failed"
	DelayedRetry State = "delayed_retry"
	Cancelled    State = "cancelled"
)

// Terminal reports whether a job in this state is immutable.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// InFlight reports whether the state holds the job's fingerprint.
func (s State) InFlight() bool {
	return s == Queued || s == Active || s == DelayedRetry
}

type Job struct {
	ID              string
	Type            JobType
	Payload         Payload
	State           State
	Fingerprint     string
	Attempts        int
	MaxAttempts     int
	Polls           int
	NextRunAt       time.Time
	LeaseUntil      *time.Time
	CancelRequested bool
	Result          JobResult
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Claimable reports whether a worker may move the job to Active at now.
func (j *Job) Claimable(now time.Time) bool {
	if j.State != Queued && j.State != DelayedRetry {
		return false
	}
	return !j.CancelRequested && j.Attempts < j.MaxAttempts && !j.NextRunAt.After(now)
}

// JobResult is both the final result and the resumable checkpoint of a job.
type JobResult struct {
	RegistrarOrderID string `json:"registrar_order_id,omitempty"`
	TransferID       string `json:"transfer_id,omitempty"`
	TransactionID    string `json:"transaction_id,omitempty"`
	Noop             bool   `json:"noop,omitempty"`
	Compensated      bool   `json:"compensated,omitempty"`
	RefundRequired   bool   `json:"refund_required,omitempty"`
	Message          string `json:"message,omitempty"`
}

// Transition is the write applied to an Active job by its owning worker.
type Transition struct {
	State     State
	Attempts  int
	Polls     int
	NextRunAt time.Time
	Result    JobResult
	Error     string
}

// JobStatus is the polling view handed to the API layer.
type JobStatus struct {
	ID          string    `json:"id"`
	Type        JobType   `json:"type"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at"`
	Result      JobResult `json:"result"`
	Error       string    `json:"error,omitempty"`
}

func (j *Job) Status() JobStatus {
	return JobStatus{
		ID:          j.ID,
		Type:        j.Type,
		State:       j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		NextRunAt:   j.NextRunAt,
		Result:      j.Result,
		Error:       j.Error,
	}
}

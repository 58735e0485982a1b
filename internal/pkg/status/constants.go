package status

// Status represents transcription job status
type Status int

const (
	// Pending - job recorded, waiting for worker
	Pending Status = iota + 1
	// Downloading - audio extraction step
	Downloading
	// Transcribing - speech to text step
	Transcribing
	// Completed - final step, transcript saved
	Completed
	// Failed - final step
	Failed
	// Cancelled - final step, cancelled by user
	Cancelled
)

var (
	statusName = map[Status]string{Pending: "pending", Downloading: "downloading", Transcribing: "transcribing",
		Completed: "completed", Failed: "failed", Cancelled: "cancelled"}
	nameStatus = map[string]Status{"pending": Pending, "downloading": Downloading, "transcribing": Transcribing,
		"completed": Completed, "failed": Failed, "cancelled": Cancelled}
	// allowed forward moves, terminal states are absent
	next = map[Status][]Status{
		Pending:      {Downloading, Failed, Cancelled},
		Downloading:  {Transcribing, Failed, Cancelled},
		Transcribing: {Completed, Failed, Cancelled},
	}
)

func (st Status) String() string {
	return statusName[st]
}

// From returns status obj from string
func From(st string) Status {
	return nameStatus[st]
}

// Terminal returns true for completed, failed and cancelled
func (st Status) Terminal() bool {
	return st == Completed || st == Failed || st == Cancelled
}

// Cancellable returns true if user may cancel the job in this state
func (st Status) Cancellable() bool {
	return st == Pending || st == Downloading || st == Transcribing
}

// CanMove checks the state machine
func CanMove(from, to Status) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active returns names of all non terminal states
func Active() []string {
	return []string{Pending.String(), Downloading.String(), Transcribing.String()}
}

// ErrCode represents job error code
type ErrCode int

const (
	// ECExtractFailed - audio extraction failed
	ECExtractFailed ErrCode = iota + 1
	// ECTranscribeFailed - all speech to text candidates failed
	ECTranscribeFailed
	// ECInsufficientCredits - final consumption denied
	ECInsufficientCredits
	// ECAbandoned - lease expired, no worker finished the job
	ECAbandoned
	// ECCancelled - cancelled by user
	ECCancelled
	// ECInternal - any other error
	ECInternal
)

var (
	ecName = map[ErrCode]string{ECExtractFailed: "EXTRACT_FAILED", ECTranscribeFailed: "TRANSCRIBE_FAILED",
		ECInsufficientCredits: "INSUFFICIENT_CREDITS", ECAbandoned: "ABANDONED", ECCancelled: "CANCELLED",
		ECInternal: "INTERNAL"}
)

func (ec ErrCode) String() string {
	return ecName[ec]
}

package pipeline

// State is where a run currently is. Runs move through the states in
// declaration order and never go back.
type State int32

const (
	Idle State = iota
	GeneratingQueries
	RankingQueries
	SearchingWeb
	RankingResults
	ScanningPages
	Synthesizing
	StreamingAnswer
	Completed
	Error
)

var stateNames = [...]string{
	Idle:              "idle",
	GeneratingQueries: "generating_queries",
	RankingQueries:    "ranking_queries",
	SearchingWeb:      "searching_web",
	RankingResults:    "ranking_results",
	ScanningPages:     "scanning_pages",
	Synthesizing:      "synthesizing",
	StreamingAnswer:   "streaming_answer",
	Completed:         "completed",
	Error:             "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the run is over.
func (s State) Terminal() bool {
	return s == Completed || s == Error
}

type Mode string

const (
	ModeResearch Mode = "research"
	ModeChat     Mode = "chat"
)

// Package routing maps Slack events to owning Talks and enforces the
// per-binding response policy. The resolver, intent lexicon, header guard and
// ownership doctor are pure computation; the reconciler and host-config loader
// read and write the host config file.
package routing

import "regexp"

// Intent is the lexicon-derived category of a message or job prompt.
type Intent string

const (
	IntentStudy         Intent = "study"
	IntentAdvice        Intent = "advice"
	IntentStateTracking Intent = "state_tracking"
	IntentGoogleDocs    Intent = "google_docs"
	IntentWebResearch   Intent = "web_research"
	IntentCodeExecution Intent = "code_execution"
	IntentFileOps       Intent = "file_ops"
	IntentAutomation    Intent = "automation"
	IntentModelMeta     Intent = "model_meta"
	IntentConversation  Intent = "conversation"
	IntentOther         Intent = "other"
)

var (
	timeQuantityRe = regexp.MustCompile(`(?i)\b\d+\s*(h|hrs?|hours?|m|mins?|minutes?)\b`)
	studyWordRe    = regexp.MustCompile(`(?i)\b(study|studied|studying|homework|practice|practiced|reviewed|lesson|flashcards?)\b`)
	adviceRe       = regexp.MustCompile(`(?i)\b(how (do|can|should) (i|we)|what should|should i|any advice|recommend|suggestions?|help me (with|figure|decide))\b`)

	stateTrackingRe = regexp.MustCompile(`(?i)\b(track|tracking|streak|progress|log (it|this|that)|state of)\b`)
	googleDocsRe    = regexp.MustCompile(`(?i)\b(google docs?|gdocs?|spreadsheet|google sheets?)\b`)
	webResearchRe   = regexp.MustCompile(`(?i)\b(search (for|the web)|look up|research|find out|latest news)\b`)
	codeExecRe      = regexp.MustCompile(`(?i)\b(run (the|a|this)? ?(script|code|command)|execute|compile|shell)\b`)
	fileOpsRe       = regexp.MustCompile(`(?i)\b(file|folder|directory|upload|download|attachment)\b`)
	automationRe    = regexp.MustCompile(`(?i)\b(automate|every (day|week|morning|evening)|daily|weekly|cron|remind me)\b`)
	modelMetaRe     = regexp.MustCompile(`(?i)\b(which model|model (name|version)|context window|token (limit|count)|system prompt)\b`)
	conversationRe  = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|thanks|thank you|good (morning|afternoon|evening|night))\b`)
)

// IsStudyEntry reports whether text looks like a study log entry: a time
// quantity plus a study keyword.
func IsStudyEntry(text string) bool {
	return timeQuantityRe.MatchString(text) && studyWordRe.MatchString(text)
}

// IsAdviceRequest reports whether text uses help-request phrasing.
func IsAdviceRequest(text string) bool {
	return adviceRe.MatchString(text)
}

// ClassifyIntent derives the intent of a message or job prompt. Study and
// advice take precedence; everything unmatched is other.
func ClassifyIntent(text string) Intent {
	switch {
	case IsStudyEntry(text):
		return IntentStudy
	case IsAdviceRequest(text):
		return IntentAdvice
	case stateTrackingRe.MatchString(text):
		return IntentStateTracking
	case googleDocsRe.MatchString(text):
		return IntentGoogleDocs
	case webResearchRe.MatchString(text):
		return IntentWebResearch
	case codeExecRe.MatchString(text):
		return IntentCodeExecution
	case fileOpsRe.MatchString(text):
		return IntentFileOps
	case automationRe.MatchString(text):
		return IntentAutomation
	case modelMetaRe.MatchString(text):
		return IntentModelMeta
	case conversationRe.MatchString(text):
		return IntentConversation
	default:
		return IntentOther
	}
}

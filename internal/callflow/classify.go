package callflow

import "strings"

// ReplyKind is the semantic class of an AI reply, driving the next flow
// transition.
type ReplyKind int

const (
	// ReplyNormal is an ordinary answer; the flow waits for the next user turn.
	ReplyNormal ReplyKind = iota

	// ReplyMoreQuestions means the AI asked whether the caller has anything
	// else ("他にご質問はありますか"). Arms the end-confirmation latch.
	ReplyMoreQuestions

	// ReplyClosing means the AI itself is wrapping up the call.
	ReplyClosing

	// ReplyConnectivityCheck means the AI is probing whether the caller is
	// still there ("聞こえますか").
	ReplyConnectivityCheck
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyMoreQuestions:
		return "more_questions"
	case ReplyClosing:
		return "closing"
	case ReplyConnectivityCheck:
		return "connectivity_check"
	default:
		return "normal"
	}
}

var moreQuestionsPhrases = []string{
	"他にご質問",
	"他に質問",
	"ほかにご質問",
	"他に何か",
	"anything else",
	"any other questions",
	"is there anything else",
}

var closingPhrases = []string{
	"失礼いたします",
	"失礼します",
	"お電話ありがとうございました",
	"良い一日を",
	"それでは、また",
	"goodbye",
	"have a great day",
	"thank you for calling",
}

var connectivityPhrases = []string{
	"聞こえますか",
	"聞こえていますか",
	"もしもし",
	"can you hear me",
	"are you still there",
	"hello? are you there",
}

var negativeClosingPhrases = []string{
	"大丈夫です",
	"ないです",
	"ありません",
	"結構です",
	"以上です",
	"もう大丈夫",
	"no thank you",
	"no thanks",
	"nothing else",
	"that's all",
	"i'm good",
}

// ClassifyReply pattern-matches an AI reply against known phrasings. Order
// matters: an explicit closing wins over a trailing "anything else".
func ClassifyReply(text string) ReplyKind {
	t := normalize(text)
	if containsAny(t, closingPhrases) {
		return ReplyClosing
	}
	if containsAny(t, connectivityPhrases) {
		return ReplyConnectivityCheck
	}
	if containsAny(t, moreQuestionsPhrases) {
		return ReplyMoreQuestions
	}
	return ReplyNormal
}

// IsNegativeResponse reports whether a user utterance reads as declining /
// closing language ("大丈夫です", "no thanks"). Used only while the
// end-confirmation latch is armed.
func IsNegativeResponse(text string) bool {
	return containsAny(normalize(text), negativeClosingPhrases)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

package workflow

import (
	"strings"
)

// Routes produced by the classifier.
const (
	RouteDirectChat = "direct_chat"
	RouteRAG        = "rag_needed"
	RouteHybrid     = "hybrid"
)

// Session modes.
const (
	ModeAuto     = "auto"
	ModeChatOnly = "chat_only"
	ModeRAGOnly  = "rag_only"
)

// RouteDecision is the recorded outcome of mode routing for one turn.
type RouteDecision struct {
	Route      string  `json:"route"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

var greetingPhrases = []string{
	"hello", "hi", "hey", "good morning", "good afternoon", "good evening",
	"merhaba", "selam",
}

var smallTalkPhrases = []string{
	"how are you", "what's up", "thank you", "thanks", "bye", "goodbye",
	"see you", "nice to meet you",
}

var documentKeywords = []string{
	"document", "documents", "file", "files", "pdf", "paper", "papers",
	"content", "text", "page", "pages", "section", "chapter",
	"what does", "according to", "based on", "in the", "from the",
	"find", "search", "look for", "show me", "tell me about",
	"summarize", "summary", "explain",
	"doküman", "döküman", "dosya", "sayfa", "bölüm", "içerik",
	"nedir", "nelerdir", "göre", "göster", "bul", "ara",
	"özetle", "özet", "açıkla",
}

// DecideRoute classifies one user turn. It is deterministic: fixed modes map
// directly, and auto mode walks an ordered rule list where the first match
// wins.
func DecideRoute(mode, query string, activeDocuments int) RouteDecision {
	switch mode {
	case ModeChatOnly:
		return RouteDecision{Route: RouteDirectChat, Confidence: 1.0, Reasoning: "session mode chat_only"}
	case ModeRAGOnly:
		return RouteDecision{Route: RouteRAG, Confidence: 1.0, Reasoning: "session mode rag_only"}
	}

	q := strings.ToLower(strings.TrimSpace(query))

	for _, phrase := range greetingPhrases {
		if q == phrase || strings.HasPrefix(q, phrase+" ") || strings.HasPrefix(q, phrase+",") || strings.HasPrefix(q, phrase+"!") {
			return RouteDecision{Route: RouteDirectChat, Confidence: 0.95, Reasoning: "greeting detected"}
		}
	}

	for _, phrase := range smallTalkPhrases {
		if strings.Contains(q, phrase) {
			return RouteDecision{Route: RouteDirectChat, Confidence: 0.9, Reasoning: "small talk detected"}
		}
	}

	if activeDocuments > 0 {
		for _, keyword := range documentKeywords {
			if strings.Contains(q, keyword) {
				return RouteDecision{Route: RouteRAG, Confidence: 0.85, Reasoning: "document keywords with active documents"}
			}
		}
		if len(strings.Fields(q)) >= 5 {
			return RouteDecision{Route: RouteHybrid, Confidence: 0.6, Reasoning: "substantial query with active documents"}
		}
		return RouteDecision{Route: RouteDirectChat, Confidence: 0.8, Reasoning: "default with active documents"}
	}

	return RouteDecision{Route: RouteDirectChat, Confidence: 0.7, Reasoning: "default without documents"}
}

// EntryRoute collapses the decision to the graph entry: hybrid enters via
// retrieval.
func (d RouteDecision) EntryRoute() string {
	if d.Route == RouteHybrid {
		return RouteRAG
	}
	return d.Route
}

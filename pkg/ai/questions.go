package ai

// DefaultQuestions are asked of every uploaded judgment and served when the
// QA server cannot list its own.
var DefaultQuestions = []string{
	"Who is the petitioner in the case?",
	"Who is the respondent in the case?",
	"What is the case summary?",
	"What was the court's decision?",
	"What legal provisions are applied?",
	"What were the main arguments from both sides?",
	"What is the reasoning behind the decision?",
	"Were there any precedents cited?",
	"Were there any dissenting opinions?",
	"What penalties or consequences were given?",
	"What are the implications of the case?",
	"What facts were established in the case?",
	"What evidence was presented?",
	"What are the key legal issues in the case?",
	"What is the timeline of events?",
}

// Questions returns a copy of DefaultQuestions.
func Questions() []string {
	return append([]string(nil), DefaultQuestions...)
}

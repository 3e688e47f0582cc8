package types

import "time"

// KnowledgeCategory buckets a knowledge entry by what it teaches.
type KnowledgeCategory string

const (
	KnowledgeErrorSolution KnowledgeCategory = "error_solution"
	KnowledgeAPIPattern    KnowledgeCategory = "api_pattern"
	KnowledgeCodeSnippet   KnowledgeCategory = "code_snippet"
	KnowledgeArchitecture  KnowledgeCategory = "architecture"
	KnowledgeConfiguration KnowledgeCategory = "configuration"
	KnowledgeDebugging     KnowledgeCategory = "debugging"
	KnowledgePerformance   KnowledgeCategory = "performance"
	KnowledgeSecurity      KnowledgeCategory = "security"
	KnowledgeLesson        KnowledgeCategory = "lesson_learned"
)

// KnowledgeSource records where an entry came from.
type KnowledgeSource struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id,omitempty"`
	URL         string    `json:"url,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// KnowledgeEntry is one persistent unit of sedimented experience. Success
// count only ever increases; merging a similar entry increments it.
type KnowledgeEntry struct {
	ID           string            `json:"id"`
	Category     KnowledgeCategory `json:"category"`
	Title        string            `json:"title"`
	Content      string            `json:"content"`
	Tags         []string          `json:"tags,omitempty"`
	Technology   string            `json:"technology,omitempty"`
	Problem      string            `json:"problem,omitempty"`
	Solution     string            `json:"solution,omitempty"`
	CodeExamples []string          `json:"code_examples,omitempty"`
	Source       KnowledgeSource   `json:"source"`
	Confidence   float64           `json:"confidence"`
	SuccessCount int               `json:"success_count"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ToolLanguage is the implementation language of a learned dynamic tool.
type ToolLanguage string

const (
	ToolPython ToolLanguage = "python"
	ToolNodeJS ToolLanguage = "nodejs"
	ToolBash   ToolLanguage = "bash"
)

// ToolStats accumulates usage outcomes for a dynamic tool.
type ToolStats struct {
	Uses          int           `json:"uses"`
	Successes     int           `json:"successes"`
	TotalDuration time.Duration `json:"total_duration"`
	LastUsedAt    time.Time     `json:"last_used_at"`
}

// DynamicTool is a script learned from a successful problem-solving
// episode, eligible for reuse on similar problems.
type DynamicTool struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Code            string       `json:"code"`
	Language        ToolLanguage `json:"language"`
	TaskDescription string       `json:"task_description"`
	CreatedAt       time.Time    `json:"created_at"`
	Stats           ToolStats    `json:"stats"`
}

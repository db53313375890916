package graph

// BuiltinTemplates are ready-made pipeline documents served by GET /templates.
var BuiltinTemplates = []Document{
	{
		Name:        "software_delivery",
		Description: "requirements -> design -> api contract -> backend/frontend -> integration -> review gate -> release notice",
		Nodes: []Node{
			{ID: "requirements", Name: "Requirements analysis", Kind: KindPhase, Config: map[string]any{"persona": "analyst"}},
			{ID: "architecture", Name: "Architecture", Kind: KindPhase, Config: map[string]any{"persona": "architect"}},
			{ID: "api_contract", Name: "API contract", Kind: KindInterface, ContractVersion: "v1", Config: map[string]any{"persona": "architect"}},
			{ID: "backend", Name: "Backend implementation", Kind: KindAction, Config: map[string]any{"persona": "backend_engineer"}, Retry: RetryPolicy{MaxAttempts: 3}},
			{ID: "frontend", Name: "Frontend implementation", Kind: KindAction, Config: map[string]any{"persona": "frontend_engineer"}, Retry: RetryPolicy{MaxAttempts: 3}},
			{ID: "integration", Name: "Integration", Kind: KindAction, Config: map[string]any{"persona": "qa_engineer"}},
			{ID: "review", Name: "Release review", Kind: KindCheckpoint},
			{ID: "announce", Name: "Release notice", Kind: KindNotification, Config: map[string]any{"channel": "releases"}},
		},
		Edges: []Edge{
			{From: "requirements", To: "architecture"},
			{From: "architecture", To: "api_contract"},
			{From: "api_contract", To: "backend"},
			{From: "api_contract", To: "frontend"},
			{From: "backend", To: "integration"},
			{From: "frontend", To: "integration"},
			{From: "integration", To: "review"},
			{From: "review", To: "announce"},
		},
	},
	{
		Name:        "documentation",
		Description: "outline -> draft sections in parallel -> editorial checkpoint",
		Nodes: []Node{
			{ID: "outline", Kind: KindPhase, Config: map[string]any{"persona": "technical_writer"}},
			{ID: "user_guide", Kind: KindAction, Config: map[string]any{"section": "user_guide"}},
			{ID: "api_reference", Kind: KindAction, Config: map[string]any{"section": "api_reference"}},
			{ID: "editorial", Kind: KindCheckpoint},
		},
		Edges: []Edge{
			{From: "outline", To: "user_guide"},
			{From: "outline", To: "api_reference"},
			{From: "user_guide", To: "editorial"},
			{From: "api_reference", To: "editorial"},
		},
	},
	{
		Name:        "hotfix",
		Description: "diagnose -> patch, with a best-effort notification when either the patch or the rollback plan is ready",
		Nodes: []Node{
			{ID: "diagnose", Kind: KindPhase},
			{ID: "patch", Kind: KindAction, Retry: RetryPolicy{MaxAttempts: 2}},
			{ID: "rollback_plan", Kind: KindAction},
			{ID: "notify_oncall", Kind: KindNotification, Join: JoinAny},
		},
		Edges: []Edge{
			{From: "diagnose", To: "patch"},
			{From: "diagnose", To: "rollback_plan"},
			{From: "patch", To: "notify_oncall"},
			{From: "rollback_plan", To: "notify_oncall"},
		},
	},
}

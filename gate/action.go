package gate

// Action is an operation on a resource type.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionSubmit Action = "submit"
	ActionRetry  Action = "retry"
	ActionVerify Action = "verify"
	ActionAssign Action = "assign"
)

// Resource types known to the submission pipeline.
const (
	ResourceInvoice = "invoice"
	ResourceChain   = "chain"
	ResourceAudit   = "audit"
	ResourceProfile = "profile"
)

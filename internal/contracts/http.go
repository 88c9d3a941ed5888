package contracts

type ErrorResponse struct {
	Error string `json:"error"`
}

type CreateEscrowRequest struct {
	BountyID  string `json:"bountyId"`
	Amount    int64  `json:"amount"`
	Title     string `json:"title"`
	CompanyID string `json:"companyId"`
}

type CreateEscrowResponse struct {
	ClientSecret  string `json:"clientSecret"`
	HoldReference string `json:"holdReference"`
}

type SolverRequest struct {
	SolverID string `json:"solverId"`
}

type ConnectStatusResponse struct {
	IsOnboarded        bool   `json:"isOnboarded"`
	CanReceivePayments bool   `json:"canReceivePayments"`
	Email              string `json:"email,omitempty"`
	Error              string `json:"error,omitempty"`
}

type OnboardingLinkResponse struct {
	URL string `json:"url"`
}

type ReleasePaymentRequest struct {
	BountyID      string `json:"bountyId"`
	SolverID      string `json:"solverId"`
	HoldReference string `json:"holdReference"`
}

type ReleasePaymentResponse struct {
	Success           bool   `json:"success"`
	TransferReference string `json:"transferReference"`
	SolverAmount      int64  `json:"solverAmount"`
	PlatformFee       int64  `json:"platformFee"`
}

type SyncEscrowRequest struct {
	BountyID string `json:"bountyId"`
}

type SyncEscrowResponse struct {
	EscrowStatus  string `json:"escrowStatus"`
	HoldReference string `json:"holdReference"`
	HoldStatus    string `json:"holdStatus,omitempty"`
}

type EscrowStateResponse struct {
	BountyID      string        `json:"bountyId"`
	Status        string        `json:"status"`
	EscrowStatus  string        `json:"escrowStatus"`
	HoldReference string        `json:"holdReference,omitempty"`
	EscrowAmount  int64         `json:"escrowAmount"`
	CompletedBy   string        `json:"completedBy,omitempty"`
	TransferRef   string        `json:"transferReference,omitempty"`
	Release       *ReleaseState `json:"release,omitempty"`
	EarningsFound bool          `json:"earningsRecorded"`
}

type ReleaseState struct {
	SolverID         string `json:"solverId"`
	Phase            string `json:"phase"`
	CapturedAmount   int64  `json:"capturedAmount"`
	SolverAmount     int64  `json:"solverAmount"`
	PlatformFee      int64  `json:"platformFee"`
	FeeModel         string `json:"feeModel,omitempty"`
	TransferAttempts int    `json:"transferAttempts"`
	LastError        string `json:"lastError,omitempty"`
}

type WebhookAck struct {
	Received bool `json:"received"`
}

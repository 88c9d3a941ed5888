package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
)

const maxWebhookBytes = 1 << 20

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON value")
	}
	return nil
}

func writeMappedError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	status, msg := mapDomainError(err)
	logHTTPOperationError(ctx, operation, status, msg, err)
	writeError(w, status, msg)
}

func writeContractError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	status, msg := mapContractError(err)
	logHTTPOperationError(ctx, operation, status, msg, err)
	writeError(w, status, msg)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			logHTTPOperationError(r.Context(), "readyz", http.StatusServiceUnavailable, "not ready", err)
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) createEscrow(w http.ResponseWriter, r *http.Request) {
	var req contracts.CreateEscrowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := h.service.CreateEscrow(r.Context(), application.CreateEscrowInput{
		BountyID: req.BountyID,
		Amount:   req.Amount,
		Title:    req.Title,
		FunderID: req.CompanyID,
	})
	if err != nil {
		writeContractError(r.Context(), w, "create_escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, contracts.CreateEscrowResponse{
		ClientSecret:  res.ClientSecret,
		HoldReference: res.HoldRef,
	})
}

// checkConnectStatus always answers with the status body shape; failures
// carry both flags false plus the error text.
func (h *Handler) checkConnectStatus(w http.ResponseWriter, r *http.Request) {
	var req contracts.SolverRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, contracts.ConnectStatusResponse{Error: "invalid json body"})
		return
	}
	status, err := h.service.CanReceivePayments(r.Context(), req.SolverID)
	if err != nil {
		code, msg := mapContractError(err)
		logHTTPOperationError(r.Context(), "check_connect_status", code, msg, err)
		writeJSON(w, code, contracts.ConnectStatusResponse{Email: status.Email, Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, contracts.ConnectStatusResponse{
		IsOnboarded:        status.IsOnboarded,
		CanReceivePayments: status.CanReceivePayments,
		Email:              status.Email,
	})
}

func (h *Handler) createOnboardingLink(w http.ResponseWriter, r *http.Request) {
	var req contracts.SolverRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	link, err := h.service.StartOnboarding(r.Context(), req.SolverID)
	if err != nil {
		writeContractError(r.Context(), w, "create_onboarding_link", err)
		return
	}
	writeJSON(w, http.StatusOK, contracts.OnboardingLinkResponse{URL: link.URL})
}

func (h *Handler) releasePayment(w http.ResponseWriter, r *http.Request) {
	var req contracts.ReleasePaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := h.service.ReleasePayment(r.Context(), application.ReleaseInput{
		BountyID: req.BountyID,
		SolverID: req.SolverID,
		HoldRef:  req.HoldReference,
	})
	if err != nil {
		writeContractError(r.Context(), w, "release_payment", err)
		return
	}
	writeJSON(w, http.StatusOK, contracts.ReleasePaymentResponse{
		Success:           res.Success,
		TransferReference: res.TransferRef,
		SolverAmount:      res.SolverAmount,
		PlatformFee:       res.PlatformFee,
	})
}

func (h *Handler) syncEscrow(w http.ResponseWriter, r *http.Request) {
	var req contracts.SyncEscrowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := h.service.ConfirmHold(r.Context(), req.BountyID)
	if err != nil {
		writeMappedError(r.Context(), w, "sync_escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, contracts.SyncEscrowResponse{
		EscrowStatus:  string(res.EscrowStatus),
		HoldReference: res.HoldRef,
		HoldStatus:    string(res.HoldStatus),
	})
}

func (h *Handler) escrowState(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.GetEscrowState(r.Context(), chi.URLParam(r, "bountyId"))
	if err != nil {
		writeMappedError(r.Context(), w, "get_escrow_state", err)
		return
	}
	b := state.Bounty
	resp := contracts.EscrowStateResponse{
		BountyID:      b.BountyID,
		Status:        string(b.Status),
		EscrowStatus:  string(b.EscrowStatus),
		HoldReference: b.EscrowHoldRef,
		EscrowAmount:  b.EscrowAmount,
		EarningsFound: state.EarningsRecorded,
	}
	if b.CompletedBy != nil {
		resp.CompletedBy = *b.CompletedBy
	}
	if b.TransferRef != nil {
		resp.TransferRef = *b.TransferRef
	}
	if rec := state.Release; rec != nil {
		resp.Release = &contracts.ReleaseState{
			SolverID:         rec.SolverID,
			Phase:            string(rec.Phase),
			CapturedAmount:   rec.CapturedAmount,
			SolverAmount:     rec.SolverAmount,
			PlatformFee:      rec.PlatformFee,
			FeeModel:         rec.FeeModel,
			TransferAttempts: rec.TransferAttempts,
			LastError:        rec.LastError,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// processorWebhook verifies the signature before anything is parsed. Event
// types the service does not act on are acknowledged so the processor stops
// redelivering them.
func (h *Handler) processorWebhook(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "webhooks not configured")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	event, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeMappedError(r.Context(), w, "verify_webhook", err)
		return
	}
	if err := h.service.HandleProcessorEvent(r.Context(), event); err != nil && !errors.Is(err, domain.ErrUnsupportedEvent) {
		writeMappedError(r.Context(), w, "handle_processor_event", err)
		return
	}
	writeJSON(w, http.StatusOK, contracts.WebhookAck{Received: true})
}

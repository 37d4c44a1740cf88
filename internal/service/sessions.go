package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"offer-redemption-engine/internal/apperr"
	"offer-redemption-engine/internal/models"
	"offer-redemption-engine/internal/redemption"
	"offer-redemption-engine/internal/tracing"
)

// Session actions accepted by Act.
const (
	ActionScan            = "scan"
	ActionConfirmIdentity = "confirm-identity"
	ActionRejectIdentity  = "reject-identity"
	ActionRefreshStatus   = "refresh-status"
	ActionSelectOffer     = "select-offer"
	ActionEnterBill       = "enter-bill"
	ActionChoosePayment   = "choose-payment"
	ActionReview          = "review"
	ActionEdit            = "edit"
	ActionConfirm         = "confirm"
	ActionCancel          = "cancel"
	ActionScanNext        = "scan-next"
)

// OpenSession starts a scanning session for an approved merchant.
func (s *Service) OpenSession(ctx context.Context, merchantID string) (redemption.View, error) {
	if merchantID == "" {
		return redemption.View{}, apperr.New(apperr.Validation, "merchant_id is required")
	}
	merchant, err := s.store.GetMerchant(ctx, merchantID)
	if err != nil {
		return redemption.View{}, notFound(err, "merchant %s not found", merchantID)
	}
	if merchant.Status != models.MerchantApproved {
		return redemption.View{}, apperr.New(apperr.Validation, "merchant is not approved")
	}

	sess, err := s.sessions.Open(merchantID)
	if err != nil {
		return redemption.View{}, err
	}
	return sess.Snapshot(), nil
}

func (s *Service) GetSession(id string) (redemption.View, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return redemption.View{}, err
	}
	return sess.Snapshot(), nil
}

func (s *Service) CloseSession(id string) error {
	if _, err := s.sessions.Get(id); err != nil {
		return err
	}
	s.sessions.Close(id)
	return nil
}

// Act runs one step of a session's flow and returns the resulting view. On
// error the view reflects the unchanged state and carries the error.
func (s *Service) Act(ctx context.Context, id, action string, req models.SessionActionRequest) (redemption.View, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return redemption.View{}, err
	}

	ctx, span := tracing.Start(ctx, "session."+action,
		attribute.String("session_id", id),
		attribute.String("merchant_id", sess.MerchantID()),
	)
	defer span.End()

	switch action {
	case ActionScan:
		err = sess.Scan(ctx, req.Code)
	case ActionConfirmIdentity:
		err = sess.ConfirmIdentity()
	case ActionRejectIdentity:
		err = sess.RejectIdentity()
	case ActionRefreshStatus:
		err = sess.RefreshStatus(ctx)
	case ActionSelectOffer:
		err = sess.SelectOffer(ctx, req.OfferID)
	case ActionEnterBill:
		err = sess.EnterBill(ctx, req.BillAmount)
	case ActionChoosePayment:
		err = sess.ChoosePayment(req.PaymentMethod)
	case ActionReview:
		err = sess.Review()
	case ActionEdit:
		err = sess.Edit()
	case ActionConfirm:
		err = sess.Confirm(ctx)
	case ActionCancel:
		err = sess.Cancel()
	case ActionScanNext:
		err = sess.ScanNext()
	default:
		return sess.Snapshot(), apperr.New(apperr.Validation, "unknown session action %q", action)
	}

	v := sess.Snapshot()
	span.SetAttributes(attribute.String("phase", string(v.Phase)))
	if err != nil {
		tracing.Fail(span, err)
	}
	return v, err
}

package app

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"go.uber.org/zap"
)

const maxPaymentMethodTypeLength = 50

// CreatePaymentMethod saves a processor-side instrument for the principal's user.
// Saving a default unsets the user's previous default.
func (s *Service) CreatePaymentMethod(ctx context.Context, principal domain.Principal, req domain.CreatePaymentMethodRequest) (*domain.PaymentMethod, error) {
	if principal.UserID == "" {
		return nil, domain.NewError(domain.KindValidation, "a user is required to save payment methods")
	}
	methodType := strings.ToLower(strings.TrimSpace(req.Type))
	if methodType == "" || len(methodType) > maxPaymentMethodTypeLength {
		return nil, domain.Errorf(domain.KindValidation, "type is required and must not exceed %d characters", maxPaymentMethodTypeLength)
	}
	ref := strings.TrimSpace(req.ProviderPaymentMethodID)
	if ref == "" {
		return nil, domain.NewError(domain.KindValidation, "providerPaymentMethodId is required")
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = s.gateways.Default().Name()
	}
	if _, err := s.gateways.Get(provider); err != nil {
		return nil, gatewayError(err)
	}
	if err := req.Metadata.Validate(); err != nil {
		return nil, domain.NewError(domain.KindValidation, err.Error())
	}

	method := &domain.PaymentMethod{
		ID:                      uuid.New(),
		UserID:                  principal.UserID,
		Type:                    methodType,
		Provider:                provider,
		ProviderPaymentMethodID: ref,
		IsDefault:               req.IsDefault,
		Metadata:                req.Metadata.Clone(),
	}
	if err := s.repo.CreatePaymentMethod(ctx, method); err != nil {
		return nil, storeError(err)
	}
	s.logger.Info("payment method saved",
		zap.String("payment_method_id", method.ID.String()),
		zap.String("provider", provider),
		zap.Bool("is_default", method.IsDefault),
	)
	return method, nil
}

// ListPaymentMethods returns the principal's saved methods, default first.
func (s *Service) ListPaymentMethods(ctx context.Context, principal domain.Principal) ([]domain.PaymentMethod, error) {
	if principal.UserID == "" {
		return nil, domain.NewError(domain.KindValidation, "a user is required to list payment methods")
	}
	methods, err := s.repo.ListPaymentMethodsByUserID(ctx, principal.UserID)
	if err != nil {
		return nil, storeError(err)
	}
	if methods == nil {
		methods = []domain.PaymentMethod{}
	}
	return methods, nil
}

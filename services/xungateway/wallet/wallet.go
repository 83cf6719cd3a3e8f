package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xun-project/UltraNote-WP-PaymentGateway/observability"
	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/amount"
)

var (
	// ErrInvalidAmount rejects non-numeric, non-positive or over-precise amounts.
	ErrInvalidAmount = errors.New("wallet: amount must be a positive number with at most 6 decimals")
	// ErrInvalidAddress rejects an empty destination.
	ErrInvalidAddress = errors.New("wallet: destination address required")
	// ErrInsufficientBalance indicates the amount exceeds the available balance.
	ErrInsufficientBalance = errors.New("wallet: amount exceeds available balance")
	// ErrTransferFailed indicates the daemon did not accept the transfer.
	ErrTransferFailed = errors.New("wallet: transfer failed")
)

// Daemon is the subset of the daemon client used by the wallet.
type Daemon interface {
	Balance(ctx context.Context, address string) (decimal.NullDecimal, error)
	SendTransaction(ctx context.Context, from, to string, amountMicro int64) (string, error)
}

// Service exposes the market wallet to operators.
type Service struct {
	daemon  Daemon
	address string
	metrics *observability.GatewayMetrics
	logger  *slog.Logger
}

// NewService binds the wallet to the market address.
func NewService(daemon Daemon, address string, metrics *observability.GatewayMetrics, logger *slog.Logger) (*Service, error) {
	if daemon == nil {
		return nil, fmt.Errorf("wallet: daemon client required")
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("wallet: market address required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{daemon: daemon, address: address, metrics: metrics, logger: logger}, nil
}

// Address returns the market wallet address.
func (s *Service) Address() string { return s.address }

// Balance returns the spendable balance, invalid when the daemon does not
// report one.
func (s *Service) Balance(ctx context.Context) (decimal.NullDecimal, error) {
	return s.daemon.Balance(ctx, s.address)
}

// Transfer sends rawAmount coins from the market wallet to destination.
func (s *Service) Transfer(ctx context.Context, destination, rawAmount string) (string, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		s.metrics.RecordTransfer("rejected")
		return "", ErrInvalidAddress
	}
	value, err := decimal.NewFromString(strings.TrimSpace(rawAmount))
	if err != nil || !value.IsPositive() {
		s.metrics.RecordTransfer("rejected")
		return "", ErrInvalidAmount
	}
	micro, err := amount.ToMicro(value)
	if err != nil {
		s.metrics.RecordTransfer("rejected")
		return "", ErrInvalidAmount
	}

	balance, err := s.daemon.Balance(ctx, s.address)
	if err != nil {
		s.metrics.RecordTransfer("failed")
		return "", fmt.Errorf("%w: balance lookup: %v", ErrTransferFailed, err)
	}
	if balance.Valid && value.GreaterThan(balance.Decimal) {
		s.metrics.RecordTransfer("rejected")
		return "", fmt.Errorf("%w: requested %s, available %s", ErrInsufficientBalance, value, balance.Decimal)
	}

	hash, err := s.daemon.SendTransaction(ctx, s.address, destination, micro)
	if err != nil {
		s.metrics.RecordTransfer("failed")
		s.logger.ErrorContext(ctx, "manual transfer failed",
			slog.String("amount", value.String()),
			slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	s.metrics.RecordTransfer("sent")
	s.logger.InfoContext(ctx, "manual transfer sent",
		slog.String("amount", value.String()),
		slog.String("tx_hash", hash))
	return hash, nil
}

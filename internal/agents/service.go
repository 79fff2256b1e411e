package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clawtask/backend/internal/events"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/models"
	"github.com/clawtask/backend/internal/repository"
)

// WelcomeBonus is credited once, at registration.
var WelcomeBonus = decimal.NewFromInt(10)

var (
	ErrInvalidName   = errors.New("name must contain at least 2 characters from a-z, 0-9, _ or -")
	ErrNameTaken     = errors.New("agent name is already taken")
	ErrInvalidWallet = errors.New("wallet address must be a 0x-prefixed 20-byte hex address")
	ErrUnauthorized  = errors.New("invalid api key")
	ErrNotFound      = errors.New("agent not found")
)

type Repo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, a *models.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.Agent, error)
	SetWallet(ctx context.Context, id uuid.UUID, address string) error
}

type BalanceLister interface {
	ListByAgent(ctx context.Context, agentID uuid.UUID) ([]*models.TokenBalance, error)
}

// Profile is an agent with its token holdings.
type Profile struct {
	*models.Agent
	TokenBalances []*models.TokenBalance `json:"token_balances"`
}

type Service interface {
	Register(ctx context.Context, name, description string) (*models.Agent, string, error)
	Authenticate(ctx context.Context, apiKey string) (*models.Agent, error)
	Profile(ctx context.Context, id uuid.UUID) (*Profile, error)
	BindWallet(ctx context.Context, id uuid.UUID, address string) (*models.Agent, error)
}

type service struct {
	db       repository.TxBeginner
	repo     Repo
	balances BalanceLister
	ledger   ledger.Service
	events   events.Publisher
	log      *slog.Logger
}

func NewService(db repository.TxBeginner, repo Repo, balances BalanceLister, ledgerSvc ledger.Service, pub events.Publisher, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &service{db: db, repo: repo, balances: balances, ledger: ledgerSvc, events: pub, log: log}
}

var _ Service = (*service)(nil)

var nameSanitize = regexp.MustCompile(`[^a-z0-9_-]+`)

// CleanName lowercases the name and drops everything outside [a-z0-9_-].
func CleanName(name string) (string, error) {
	s := nameSanitize.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "")
	if len(s) < 2 {
		return "", ErrInvalidName
	}
	return s, nil
}

// NewAPIKey returns a fresh key. Only its hash is stored.
func NewAPIKey() string {
	return models.APIKeyPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Register creates the agent and credits the welcome bonus in one transaction.
// The plaintext key is returned once and never stored.
func (s *service) Register(ctx context.Context, name, description string) (*models.Agent, string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return nil, "", err
	}
	key := NewAPIKey()
	agent := &models.Agent{
		ID:           uuid.New(),
		Name:         clean,
		Description:  strings.TrimSpace(description),
		APIKeyHash:   HashAPIKey(key),
		APIKeyPrefix: key[:len(models.APIKeyPrefix)+8],
	}

	err = repository.WithTx(ctx, s.db, repository.RetryPolicy{Op: "register", MaxAttempts: 2, BaseDelay: 25 * time.Millisecond}, func(tx pgx.Tx) error {
		if err := s.repo.CreateTx(ctx, tx, agent); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrNameTaken
			}
			return fmt.Errorf("create agent: %w", err)
		}
		rec, err := s.ledger.Credit(ctx, tx, ledger.Entry{
			AgentID:     agent.ID,
			TokenSymbol: models.PlatformTokenSymbol,
			Amount:      WelcomeBonus,
			Type:        models.TxTypeMiningReward,
			Description: fmt.Sprintf("Welcome bonus: %s %s", WelcomeBonus.String(), models.PlatformTokenSymbol),
		})
		if err != nil {
			return err
		}
		agent.MiningBalance = *rec.BalanceAfter
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	bonus := WelcomeBonus
	s.events.Publish(ctx, events.Event{
		Type:        events.TypeAgentRegistered,
		AgentID:     agent.ID,
		Amount:      &bonus,
		TokenSymbol: models.PlatformTokenSymbol,
		At:          agent.CreatedAt,
	})
	s.log.Info("agent registered", "agent_id", agent.ID, "name", agent.Name)
	return agent, key, nil
}

func (s *service) Authenticate(ctx context.Context, apiKey string) (*models.Agent, error) {
	if !strings.HasPrefix(apiKey, models.APIKeyPrefix) {
		return nil, ErrUnauthorized
	}
	agent, err := s.repo.GetByAPIKeyHash(ctx, HashAPIKey(apiKey))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *service) Profile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	agent, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	balances, err := s.balances.ListByAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	if balances == nil {
		balances = []*models.TokenBalance{}
	}
	return &Profile{Agent: agent, TokenBalances: balances}, nil
}

// BindWallet stores the checksummed form of address.
func (s *service) BindWallet(ctx context.Context, id uuid.UUID, address string) (*models.Agent, error) {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return nil, ErrInvalidWallet
	}
	checksummed := common.HexToAddress(address).Hex()
	if err := s.repo.SetWallet(ctx, id, checksummed); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.log.Info("wallet bound", "agent_id", id, "wallet", checksummed)
	return s.repo.GetByID(ctx, id)
}

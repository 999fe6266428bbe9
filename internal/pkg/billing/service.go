package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Polaris/app/models"
	"github.com/ManuelReschke/Polaris/internal/pkg/entitlements"
	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

// EntitlementView is the JSON shape returned to the frontend.
type EntitlementView struct {
	UserID string            `json:"user_id"`
	Tier   entitlements.Tier `json:"tier"`
	Plans  []PlanView        `json:"plans"`
}

type PlanView struct {
	Plan      string    `json:"plan"`
	Tier      string    `json:"tier"`
	Active    bool      `json:"active"`
	Source    string    `json:"source"`
	Reference string    `json:"reference"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service bundles the billing components behind one handle for controllers.
type Service struct {
	cfg        *Config
	repo       Repository
	cache      EntitlementCache
	receiver   *Receiver
	originator *Originator
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Archive  PayloadArchive
	Cache    EntitlementCache
	Gateways map[string]CheckoutGateway
}

// NewService builds adapters for every enabled gateway. When opts.Gateways is
// nil the real Stripe and Lemon Squeezy clients are used.
func NewService(cfg *Config, repo Repository, opts Options) *Service {
	var adapters []Adapter
	gateways := opts.Gateways
	buildClients := gateways == nil
	if buildClients {
		gateways = map[string]CheckoutGateway{}
	}
	if cfg.Stripe.Enabled {
		adapters = append(adapters, NewStripeAdapter(cfg.Stripe))
		if buildClients {
			gateways[models.BillingProviderStripe] = NewStripeGateway(cfg.Stripe, nil)
		}
	}
	if cfg.LemonSqueezy.Enabled {
		adapters = append(adapters, NewLemonSqueezyAdapter(cfg.LemonSqueezy))
		if buildClients {
			gateways[models.BillingProviderLemonSqueezy] = NewLemonSqueezyClient(cfg.LemonSqueezy)
		}
	}

	ledger := NewLedgerWriter(repo)
	return &Service{
		cfg:        cfg,
		repo:       repo,
		cache:      opts.Cache,
		receiver:   NewReceiver(repo, ledger, NewReconciler(repo), opts.Archive, opts.Cache, adapters...),
		originator: NewOriginator(cfg, repo, ledger, gateways),
	}
}

func (s *Service) Config() *Config { return s.cfg }

func (s *Service) HandleWebhook(ctx context.Context, provider string, headers http.Header, body []byte) (Delivery, error) {
	return s.receiver.Handle(ctx, provider, headers, body)
}

func (s *Service) StartCheckout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	return s.originator.StartCheckout(ctx, req)
}

func (s *Service) StartPortal(ctx context.Context, req PortalRequest) (PortalResult, error) {
	return s.originator.StartPortal(ctx, req)
}

// Entitlements returns the user's entitlement view, served from the cache
// when possible. Cache errors fall through to the database.
func (s *Service) Entitlements(ctx context.Context, userID string) (EntitlementView, error) {
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, userID); err == nil && ok {
			var view EntitlementView
			if err := json.Unmarshal(raw, &view); err == nil {
				return view, nil
			}
		}
	}

	rows, err := s.repo.ListEntitlements(ctx, userID)
	if err != nil {
		return EntitlementView{}, err
	}
	view := EntitlementView{
		UserID: userID,
		Tier:   entitlements.EffectiveTier(rows),
		Plans:  make([]PlanView, 0, len(rows)),
	}
	for _, row := range rows {
		view.Plans = append(view.Plans, PlanView{
			Plan:      row.Plan,
			Tier:      row.Tier,
			Active:    row.Active,
			Source:    row.Source,
			Reference: row.Reference,
			UpdatedAt: row.UpdatedAt,
		})
	}

	if s.cache != nil {
		if raw, err := json.Marshal(view); err == nil {
			if err := s.cache.Set(ctx, userID, raw); err != nil {
				fiberlog.Warnw("[Billing] entitlement cache write failed",
					"correlation_id", usercontext.CorrelationID(ctx),
					"user_id", userID,
					"error", err,
				)
			}
		}
	}
	return view, nil
}

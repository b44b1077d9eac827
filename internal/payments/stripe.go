package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProcessor authorizes payments through Stripe PaymentIntents
// with manual capture: funds are held on the buyer's card, capture
// happens out of band when the escrow releases.
type StripeProcessor struct {
	sc *client.API
}

// NewStripeProcessor creates a Stripe-backed processor.
func NewStripeProcessor(apiKey string) *StripeProcessor {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeProcessor{sc: sc}
}

func (p *StripeProcessor) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Description:   stripe.String(req.Description),
	}
	params.Context = ctx
	params.AddMetadata("buyer_id", req.BuyerID)
	params.AddMetadata("seller_id", req.SellerID)

	pi, err := p.sc.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			// Declines are data, not errors
			return &Authorization{Authorized: false, Declined: string(stripeErr.Code)}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
		return &Authorization{Authorized: true, Reference: pi.ID}, nil
	default:
		return &Authorization{Authorized: false, Reference: pi.ID, Declined: string(pi.Status)}, nil
	}
}

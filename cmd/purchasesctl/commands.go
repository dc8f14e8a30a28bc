package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli"

	"github.com/mihaimyh/gopurchases/pkg/api"
	"github.com/mihaimyh/gopurchases/pkg/purchases"
)

type logInResult struct {
	Created      bool                     `json:"created"`
	CustomerInfo api.CustomerInfoResponse `json:"customer_info"`
}

func runCustomerInfo(c *cli.Context) error {
	policy, err := purchases.ParseCacheFetchPolicy(c.String("policy"))
	if err != nil {
		return fmt.Errorf("%w: %q", err, c.String("policy"))
	}
	return withSDK(c, func(ctx context.Context, m *metadata, p *purchases.Purchases) error {
		info, err := p.GetCustomerInfo(ctx, policy)
		if err != nil {
			return err
		}
		return printJSON(m.w, api.NewCustomerInfoResponse(info))
	})
}

func runSync(c *cli.Context) error {
	return withSDK(c, func(ctx context.Context, m *metadata, p *purchases.Purchases) error {
		info, err := p.SyncPurchases(ctx)
		if err != nil {
			return err
		}
		return printJSON(m.w, api.NewCustomerInfoResponse(info))
	})
}

func runRestore(c *cli.Context) error {
	return withSDK(c, func(ctx context.Context, m *metadata, p *purchases.Purchases) error {
		info, err := p.RestorePurchases(ctx)
		if err != nil {
			return err
		}
		return printJSON(m.w, api.NewCustomerInfoResponse(info))
	})
}

func runLogIn(c *cli.Context) error {
	appUserID := c.Args().First()
	if appUserID == "" {
		return fmt.Errorf("missing APP_USER_ID")
	}
	return withSDK(c, func(ctx context.Context, m *metadata, p *purchases.Purchases) error {
		info, created, err := p.LogIn(ctx, appUserID)
		if err != nil {
			return err
		}
		return printJSON(m.w, logInResult{
			Created:      created,
			CustomerInfo: api.NewCustomerInfoResponse(info),
		})
	})
}

func withSDK(c *cli.Context, fn func(context.Context, *metadata, *purchases.Purchases) error) error {
	m := c.App.Metadata["config"].(*metadata)

	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	defer cancel()

	sdk, err := newSDK(ctx, m)
	if err != nil {
		return err
	}
	defer sdk.Close()

	if m.verbose {
		fmt.Fprintf(m.e, "app user: %s\n", sdk.Purchases.AppUserID())
	}
	return fn(ctx, m, sdk.Purchases)
}

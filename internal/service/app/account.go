package app

import (
	"context"

	"e2e_core/internal/model"
)

func (c *App) getAccountAndCreateIfNotExist(ctx context.Context, id model.Identity) (*model.KeyPair, error) {
	kp, err := c.opts.Accounts.GetByIdentity(ctx, id)
	if err != nil {
		return nil, err
	}

	if kp != nil {
		return kp, nil
	}

	kp, err = model.NewKeyPair()
	if err != nil {
		return nil, err
	}

	_, err = c.opts.Accounts.Create(ctx, id, kp)
	if err != nil {
		return nil, err
	}

	return kp, nil
}

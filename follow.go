package main

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/solopub/solopub/activitypub"
	"github.com/solopub/solopub/internal/webfinger"
	"github.com/solopub/solopub/models"
)

type FollowCmd struct {
	Target string `arg:"" help:"actor to follow, as user@domain or an actor URL"`
}

func (f *FollowCmd) Run(ctx *Context) error {
	db, err := gorm.Open(ctx.Dialector, &ctx.Config)
	if err != nil {
		return err
	}
	if err := configureDB(db); err != nil {
		return err
	}
	account, err := models.NewAccounts(db).Local()
	if err != nil {
		return err
	}
	env := activitypub.NewEnv(&models.Env{DB: db, Logger: ctx.Logger}, account)

	target := f.Target
	if !strings.HasPrefix(target, "https://") {
		acct, err := webfinger.Parse(target)
		if err != nil {
			return err
		}
		finger, err := acct.Fetch(context.Background())
		if err != nil {
			return err
		}
		target, err = finger.ActivityPub()
		if err != nil {
			return err
		}
	}

	_, err = activitypub.NewOutbox(env).Follow(context.Background(), target)
	return err
}

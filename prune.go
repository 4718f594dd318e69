package main

import (
	"gorm.io/gorm"

	"github.com/solopub/solopub/models"
)

type PruneCmd struct {
	RetentionDays int `help:"days of remote data to keep" default:"15"`
}

func (p *PruneCmd) Run(ctx *Context) error {
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
	env := &models.Env{DB: db, Logger: ctx.Logger}
	return models.PruneOldData(env, p.RetentionDays, "https://"+account.Domain)
}

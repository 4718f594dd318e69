package main

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/solopub/solopub/models"
)

type InitCmd struct {
	Domain                    string `required:"" help:"domain name the node is served from"`
	Username                  string `required:"" help:"username of the local account"`
	DisplayName               string `help:"display name of the local account"`
	Password                  string `required:"" help:"password for the admin UI"`
	ManuallyApprovesFollowers bool   `help:"hold incoming follow requests for review"`
}

func (i *InitCmd) Run(ctx *Context) error {
	db, err := gorm.Open(ctx.Dialector, &ctx.Config)
	if err != nil {
		return err
	}
	if err := configureDB(db); err != nil {
		return err
	}

	displayName := i.DisplayName
	if displayName == "" {
		displayName = i.Username
	}
	account, err := models.NewAccounts(db).Create(i.Domain, i.Username, displayName, i.Password)
	if err != nil {
		return err
	}
	if i.ManuallyApprovesFollowers {
		err := db.Model(account).Update("manually_approves_followers", true).Error
		if err != nil {
			return err
		}
	}
	fmt.Println("created", account.ApID())
	return nil
}

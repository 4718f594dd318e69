package main

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/solopub/solopub/activitypub"
	"github.com/solopub/solopub/models"
)

type PostCmd struct {
	Content    string `arg:"" help:"note text"`
	InReplyTo  string `help:"ap id of the object this note replies to"`
	Visibility string `help:"public, unlisted, followers-only or direct" default:"public"`
}

func (p *PostCmd) Run(ctx *Context) error {
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

	obj, err := activitypub.NewOutbox(env).CreateNote(context.Background(), activitypub.NoteParams{
		Source:     p.Content,
		InReplyTo:  p.InReplyTo,
		Visibility: models.Visibility(p.Visibility),
	})
	if err != nil {
		return err
	}
	fmt.Println("created", obj.ApID)
	return nil
}

package main

import (
	"os"

	"github.com/alecthomas/kong"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

type Context struct {
	Debug     bool
	Dialector gorm.Dialector
	Logger    *slog.Logger

	gorm.Config
}

var cli struct {
	Debug bool   `help:"Enable debug logging."`
	DSN   string `required:"" help:"data source name for the database"`

	Serve       ServeCmd       `cmd:"" help:"Serve the federation endpoints and run the queue workers."`
	Init        InitCmd        `cmd:"" help:"Create the local account."`
	AutoMigrate AutoMigrateCmd `cmd:"" help:"Create or update the database schema."`
	Follow      FollowCmd      `cmd:"" help:"Follow a remote actor."`
	Post        PostCmd        `cmd:"" help:"Publish a note."`
	Prune       PruneCmd       `cmd:"" help:"Delete old remote data past the retention window."`
}

func main() {
	ctx := kong.Parse(&cli)
	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))
	err := ctx.Run(&Context{
		Debug:     cli.Debug,
		Dialector: newDialector(cli.DSN),
		Logger:    logger,
	})
	ctx.FatalIfErrorf(err)
}

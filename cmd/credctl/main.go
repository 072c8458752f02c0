package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/hwtrust/credman/api"
	"github.com/hwtrust/credman/client"
	"github.com/hwtrust/credman/interfaces"
)

var flagServerAddr *cli.StringFlag = &cli.StringFlag{
	Name:  "server-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "credmand address to request",
}
var flagLeSecret *cli.StringFlag = &cli.StringFlag{
	Name:     "le-secret",
	Required: true,
	Usage:    "low-entropy secret (e.g. the user PIN)",
}
var flagHeSecret *cli.StringFlag = &cli.StringFlag{
	Name:     "he-secret",
	Required: true,
	Usage:    "base64-encoded high-entropy secret to protect",
}
var flagResetSecret *cli.StringFlag = &cli.StringFlag{
	Name:  "reset-secret",
	Usage: "base64-encoded secret that resets the attempt counter",
}
var flagDelaySchedule *cli.StringFlag = &cli.StringFlag{
	Name:  "delay-schedule",
	Value: `[{"attempt_count":5,"time_delay":60}]`,
	Usage: "JSON rate-limiting schedule: attempt count thresholds and delays in seconds",
}
var flagLabel *cli.Uint64Flag = &cli.Uint64Flag{
	Name:     "label",
	Required: true,
	Usage:    "credential label returned by add",
}

func main() {
	app := &cli.App{
		Name:  "credctl",
		Usage: "Manage low-entropy credentials on a credmand instance",
		Flags: []cli.Flag{
			flagServerAddr,
		},
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "register a new credential and print its label",
				Flags: []cli.Flag{
					flagLeSecret,
					flagHeSecret,
					flagResetSecret,
					flagDelaySchedule,
				},
				Action: runAdd,
			},
			{
				Name:  "check",
				Usage: "attempt authentication and print the released secret",
				Flags: []cli.Flag{
					flagLabel,
					flagLeSecret,
				},
				Action: runCheck,
			},
			{
				Name:  "remove",
				Usage: "delete a credential",
				Flags: []cli.Flag{
					flagLabel,
				},
				Action: runRemove,
			},
			{
				Name:   "reset",
				Usage:  "wipe all credential state on the server",
				Action: runReset,
			},
			{
				Name:   "status",
				Usage:  "print the server's state summary",
				Action: runStatus,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(cCtx *cli.Context) *client.Client {
	return client.New(cCtx.String("server-addr"))
}

func runAdd(cCtx *cli.Context) error {
	heSecret, err := base64.StdEncoding.DecodeString(cCtx.String("he-secret"))
	if err != nil {
		return fmt.Errorf("invalid he-secret: %w", err)
	}

	var resetSecret []byte
	if raw := cCtx.String("reset-secret"); raw != "" {
		resetSecret, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("invalid reset-secret: %w", err)
		}
	}

	var schedule []api.DelayScheduleEntry
	if err := json.Unmarshal([]byte(cCtx.String("delay-schedule")), &schedule); err != nil {
		return fmt.Errorf("invalid delay-schedule: %w", err)
	}

	label, err := newClient(cCtx).AddCredential(context.Background(), api.AddCredentialRequest{
		LeSecret:      []byte(cCtx.String("le-secret")),
		HeSecret:      heSecret,
		ResetSecret:   resetSecret,
		DelaySchedule: schedule,
	})
	if err != nil {
		return err
	}

	fmt.Println(label)
	return nil
}

func runCheck(cCtx *cli.Context) error {
	label := interfaces.Label(cCtx.Uint64("label"))
	heSecret, err := newClient(cCtx).CheckCredential(context.Background(), label, []byte(cCtx.String("le-secret")))
	if err != nil {
		return err
	}

	fmt.Println(base64.StdEncoding.EncodeToString(heSecret))
	return nil
}

func runRemove(cCtx *cli.Context) error {
	label := interfaces.Label(cCtx.Uint64("label"))
	return newClient(cCtx).RemoveCredential(context.Background(), label)
}

func runReset(cCtx *cli.Context) error {
	return newClient(cCtx).Reset(context.Background())
}

func runStatus(cCtx *cli.Context) error {
	status, err := newClient(cCtx).Status(context.Background())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

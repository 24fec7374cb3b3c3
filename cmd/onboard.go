package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wkin-t/dingtalk-ai-bot/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(resolveConfigPath())
		},
	}
}

// onboardAnswers collects the wizard input. Secrets go to .env, the rest
// to the config file.
type onboardAnswers struct {
	botName     string
	platforms   []string
	apiKey      string
	backend     string
	dtClientID  string
	dtSecret    string
	dtTemplate  string
	wcToken     string
	wcAESKey    string
	wcReceiveID string
	gwToken     string
}

func runOnboard(cfgPath string) error {
	cfg := config.Default()
	a := onboardAnswers{botName: cfg.Bot.Name, backend: cfg.Sessions.Backend}

	required := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}

	base := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Bot name").Value(&a.botName),
			huh.NewInput().Title("Gemini API key").EchoMode(huh.EchoModePassword).Validate(required).Value(&a.apiKey),
			huh.NewMultiSelect[string]().
				Title("Platforms").
				Options(huh.NewOption("DingTalk (stream mode)", "dingtalk"), huh.NewOption("WeCom (intelligent bot)", "wecom")).
				Validate(func(v []string) error {
					if len(v) == 0 {
						return errors.New("pick at least one platform")
					}
					return nil
				}).
				Value(&a.platforms),
			huh.NewSelect[string]().
				Title("Session storage").
				Options(
					huh.NewOption("SQLite file (single instance)", "sqlite"),
					huh.NewOption("Memory (lost on restart)", "memory"),
					huh.NewOption("PostgreSQL (set GEMBOT_POSTGRES_DSN)", "postgres"),
					huh.NewOption("Redis (set GEMBOT_REDIS_URL)", "redis"),
				).
				Value(&a.backend),
			huh.NewInput().Title("Gateway admin token (optional)").EchoMode(huh.EchoModePassword).Value(&a.gwToken),
		),
	)
	if err := base.Run(); err != nil {
		return err
	}

	if has(a.platforms, "dingtalk") {
		form := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("DingTalk client id (AppKey)").Validate(required).Value(&a.dtClientID),
			huh.NewInput().Title("DingTalk client secret").EchoMode(huh.EchoModePassword).Validate(required).Value(&a.dtSecret),
			huh.NewInput().Title("AI card template id").Validate(required).Value(&a.dtTemplate),
		))
		if err := form.Run(); err != nil {
			return err
		}
	}
	if has(a.platforms, "wecom") {
		form := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("WeCom callback token").Validate(required).Value(&a.wcToken),
			huh.NewInput().Title("WeCom EncodingAESKey (43 chars)").Validate(func(s string) error {
				if len(strings.TrimSpace(s)) != 43 {
					return errors.New("EncodingAESKey must be 43 characters")
				}
				return nil
			}).Value(&a.wcAESKey),
			huh.NewInput().Title("Receive id (optional)").Value(&a.wcReceiveID),
		))
		if err := form.Run(); err != nil {
			return err
		}
	}

	cfg.Bot.Name = strings.TrimSpace(a.botName)
	cfg.Sessions.Backend = a.backend
	cfg.Channels.DingTalk.Enabled = has(a.platforms, "dingtalk")
	cfg.Channels.DingTalk.ClientID = a.dtClientID
	cfg.Channels.DingTalk.CardTemplateID = a.dtTemplate
	cfg.Channels.WeCom.Enabled = has(a.platforms, "wecom")
	cfg.Channels.WeCom.ReceiveID = a.wcReceiveID
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	env := map[string]string{"GEMINI_API_KEY": a.apiKey}
	setIf(env, "DINGTALK_CLIENT_SECRET", a.dtSecret)
	setIf(env, "WECOM_BOT_TOKEN", a.wcToken)
	setIf(env, "WECOM_BOT_ENCODING_AES_KEY", strings.TrimSpace(a.wcAESKey))
	setIf(env, "GEMBOT_GATEWAY_TOKEN", a.gwToken)
	envPath := filepath.Join(filepath.Dir(cfgPath), ".env")
	if err := godotenv.Write(env, envPath); err != nil {
		return fmt.Errorf("write %s: %w", envPath, err)
	}
	if err := os.Chmod(envPath, 0600); err != nil {
		return err
	}

	fmt.Printf("\nWrote %s and %s.\n", cfgPath, envPath)
	if a.backend == "postgres" {
		fmt.Println("Set GEMBOT_POSTGRES_DSN and run `gembot migrate up` before starting.")
	}
	fmt.Println("Start the bot with: gembot gateway")
	return nil
}

func has(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func setIf(env map[string]string, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		env[key] = value
	}
}

// Package cli_options holds the urfave/cli commands of the tunlink binary
package cli_options

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gravitl/tunlink/config"
	controller "github.com/gravitl/tunlink/controllers"
	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/models"
	"github.com/gravitl/tunlink/mq"
	"github.com/gravitl/tunlink/ncutils"
	"github.com/gravitl/tunlink/node"
	"github.com/gravitl/tunlink/nodecfg"
	"github.com/gravitl/tunlink/tls"
	"github.com/urfave/cli/v2"
)

// GetCommands - return commands that CLI uses
func GetCommands(cliFlags []cli.Flag) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "run",
			Usage: "Bring up the node: tun device, tunnel transport, signaling and API.",
			Flags: cliFlags,
			Action: func(c *cli.Context) error {
				if err := setup(c); err != nil {
					return err
				}
				return run(c.Context)
			},
		},
		{
			Name:  "cert",
			Usage: "Generate a self-signed tunnel certificate and key.",
			Flags: append(cliFlags, certFlags()...),
			Action: func(c *cli.Context) error {
				if err := setup(c); err != nil {
					return err
				}
				return generateCert(c.String("dir"), c.Int("days"))
			},
		},
		{
			Name:  "descriptor",
			Usage: "Print the descriptor peers need to reach this node.",
			Flags: cliFlags,
			Action: func(c *cli.Context) error {
				if err := setup(c); err != nil {
					return err
				}
				opts := options()
				desc, err := node.LocalDescriptor(c.Context, opts)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(desc)
			},
		},
		{
			Name:  "connect",
			Usage: "Ask the running node to open a tunnel to a peer.",
			Flags: append(cliFlags, connectFlags()...),
			Action: func(c *cli.Context) error {
				if err := setup(c); err != nil {
					return err
				}
				api := c.String("api")
				if api == "" {
					api = nodecfg.GetAPIListen()
				}
				return connect(c.Context, c.App.Writer, api, c.String("peer"), c.String("direction"))
			},
		},
	}
}

// setup - loads the config file and applies the global flags
func setup(c *cli.Context) error {
	cfg, err := config.ReadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed parsing config: %w", err)
	}
	config.Config = cfg
	if c.IsSet("name") {
		os.Setenv("MACHINE_NAME", c.String("name"))
	}
	verbosity := int(nodecfg.GetVerbosity())
	if v := c.Int("verbosity"); v >= 0 {
		verbosity = v
	}
	logger.SetVerbosity(verbosity)
	return nil
}

// options - daemon settings resolved from env, config and defaults
func options() node.Options {
	rate, burst := nodecfg.GetBeginLimit()
	opts := node.Options{
		MachineName: nodecfg.GetMachineName(),
		Port:        nodecfg.GetTunnelPort(),
		RouteLevel:  nodecfg.GetRouteLevel(),
		StunServer:  nodecfg.GetStunServer(),
		StunListen:  nodecfg.GetStunListen(),
		Tunnel:      nodecfg.GetTunnelConfig(),
		BeginRate:   rate,
		BeginBurst:  burst,
		APIListen:   nodecfg.GetAPIListen(),
	}
	if nodecfg.IsDeviceEnabled() {
		addr, prefix := nodecfg.GetDeviceAddress()
		opts.Device = &node.DeviceOptions{
			Name:      nodecfg.GetDeviceName(),
			Address:   addr,
			Prefix:    prefix,
			MTU:       nodecfg.GetDeviceMTU(),
			Nat:       nodecfg.IsNatEnabled(),
			IPTables:  nodecfg.GetIPTables(),
			SysctlDir: nodecfg.GetSysctlDir(),
			Routes:    config.Config.Device.Routes,
			Forwards:  config.Config.Device.Forwards,
		}
	}
	return opts
}

func run(parent context.Context) error {
	opts := options()
	if opts.Device != nil {
		ncutils.CheckUID()
	}
	cert, err := tls.LoadCertificate(nodecfg.GetCertificatePath(), nodecfg.GetCertificatePassword())
	if err != nil {
		logger.FatalLog("could not load certificate:", err.Error())
	}
	opts.Certificate = cert

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	user, pass := nodecfg.GetBrokerCredentials()
	connectCtx, cancel := context.WithTimeout(ctx, mq.MQ_TIMEOUT*time.Second)
	sig, err := mq.SetupMQTT(connectCtx, nodecfg.GetBrokerEndpoint(), user, pass, opts.MachineName)
	cancel()
	if err != nil {
		return err
	}
	d := node.New(opts, sig)
	if err := d.Start(ctx); err != nil {
		logger.FatalLog("could not start node:", err.Error())
	}
	<-ctx.Done()
	logger.Log(0, "shutting down")
	d.Stop()
	return nil
}

func generateCert(dir string, days int) error {
	if dir == "" {
		dir = filepath.Dir(nodecfg.GetCertificatePath())
	}
	key, err := tls.NewKey()
	if err != nil {
		return err
	}
	cert, err := tls.GenerateSelfSigned(key, tls.NewCName(nodecfg.GetMachineName()), days)
	if err != nil {
		return err
	}
	if err := tls.SaveCertToFile(dir, tls.CERT_PEM_NAME, cert); err != nil {
		return err
	}
	if err := tls.SaveKeyToFile(dir, tls.CERT_KEY_NAME, key); err != nil {
		return err
	}
	logger.Log(0, "certificate written to", filepath.Join(dir, tls.CERT_PEM_NAME))
	return nil
}

func connect(ctx context.Context, out io.Writer, api, peerFile, direction string) error {
	var data []byte
	var err error
	if peerFile == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(peerFile)
	}
	if err != nil {
		return fmt.Errorf("read peer descriptor: %w", err)
	}
	var body controller.ConnectRequest
	if err := json.Unmarshal(data, &body.Remote); err != nil {
		return fmt.Errorf("parse peer descriptor: %w", err)
	}
	if err := json.Unmarshal([]byte(`"`+direction+`"`), &body.Direction); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+api+"/api/connections", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var errResp models.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("connect failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("connect failed: %s", errResp.Message)
	}
	var ok models.SuccessResponse
	if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil {
		return err
	}
	fmt.Fprintln(out, ok.Message)
	return nil
}

// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/united-manufacturing-hub/adminsync/pkg/models"
	"github.com/united-manufacturing-hub/adminsync/pkg/subscription"
	"github.com/united-manufacturing-hub/adminsync/pkg/tools/safejson"
)

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Print state, object and file changes until interrupted",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "state", Aliases: []string{"s"}, Usage: "State pattern to watch"},
			&cli.StringSliceFlag{Name: "object", Aliases: []string{"o"}, Usage: "Object pattern to watch"},
			&cli.StringSliceFlag{Name: "files", Aliases: []string{"f"}, Usage: "File pattern to watch, adapter/path"},
		},
		Action: func(c *cli.Context) error {
			states, objects, files := c.StringSlice("state"), c.StringSlice("object"), c.StringSlice("files")
			if len(states)+len(objects)+len(files) == 0 {
				return cli.Exit("nothing to watch, pass --state, --object or --files", 2)
			}

			s, err := open(c)
			if err != nil {
				return err
			}
			defer s.Close()

			onState := subscription.NewListener(func(id string, st *models.State) {
				printEvent("state", id, st)
			})
			onObject := subscription.NewListener(func(id string, obj *models.Object) {
				printEvent("object", id, obj)
			})
			onFile := subscription.NewListener(func(id string, change *models.FileChange) {
				printEvent("file", id, change)
			})

			if len(states) > 0 {
				if err := s.conn.SubscribeState(c.Context, states, onState); err != nil {
					return err
				}
			}
			if len(objects) > 0 {
				if err := s.conn.SubscribeObject(c.Context, objects, onObject); err != nil {
					return err
				}
			}
			if len(files) > 0 {
				if err := s.conn.SubscribeFiles(c.Context, files, onFile); err != nil {
					return err
				}
			}

			s.log.Infow("Watching", "states", states, "objects", objects, "files", files)
			untilSignal(c.Context)
			return nil
		},
	}
}

func getCmd() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "Read states and objects",
		Subcommands: []*cli.Command{
			{
				Name:      "state",
				Usage:     "Print the states matching a pattern",
				ArgsUsage: "<pattern>",
				Action: func(c *cli.Context) error {
					pattern, err := requireArg(c, 0, "pattern")
					if err != nil {
						return err
					}
					s, err := open(c)
					if err != nil {
						return err
					}
					defer s.Close()

					states, err := s.conn.GetStates(c.Context, pattern)
					if err != nil {
						return err
					}
					return printJSON(states)
				},
			},
			{
				Name:      "object",
				Usage:     "Print one object",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, 0, "id")
					if err != nil {
						return err
					}
					s, err := open(c)
					if err != nil {
						return err
					}
					defer s.Close()

					obj, err := s.conn.GetObject(c.Context, id)
					if err != nil {
						return err
					}
					return printJSON(obj)
				},
			},
			{
				Name:      "objects",
				Usage:     "Print the objects of a type matching a pattern",
				ArgsUsage: "<pattern>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Object type, e.g. state or instance"},
				},
				Action: func(c *cli.Context) error {
					pattern, err := requireArg(c, 0, "pattern")
					if err != nil {
						return err
					}
					s, err := open(c)
					if err != nil {
						return err
					}
					defer s.Close()

					objs, err := s.conn.GetForeignObjects(c.Context, pattern, models.ObjectType(c.String("type")))
					if err != nil {
						return err
					}
					return printJSON(objs)
				},
			},
		},
	}
}

func setCmd() *cli.Command {
	return &cli.Command{
		Name:  "set",
		Usage: "Write states and objects",
		Subcommands: []*cli.Command{
			{
				Name:      "state",
				Usage:     "Set the value of a state; JSON values are decoded, anything else is sent as a string",
				ArgsUsage: "<id> <value>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "ack", Usage: "Write the value as acknowledged"},
				},
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, 0, "id")
					if err != nil {
						return err
					}
					raw, err := requireArg(c, 1, "value")
					if err != nil {
						return err
					}
					s, err := open(c)
					if err != nil {
						return err
					}
					defer s.Close()

					return s.conn.SetStateValue(c.Context, id, parseValue(raw), c.Bool("ack"))
				},
			},
			{
				Name:      "object",
				Usage:     "Merge a JSON document into an object",
				ArgsUsage: "<id> <json>",
				Action: func(c *cli.Context) error {
					id, err := requireArg(c, 0, "id")
					if err != nil {
						return err
					}
					raw, err := requireArg(c, 1, "json")
					if err != nil {
						return err
					}
					var partial map[string]any
					if err := safejson.Unmarshal([]byte(raw), &partial); err != nil {
						return fmt.Errorf("invalid object document: %w", err)
					}
					s, err := open(c)
					if err != nil {
						return err
					}
					defer s.Close()

					return s.conn.ExtendObject(c.Context, id, partial)
				},
			},
		},
	}
}

func sendCmd() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a command to an adapter instance and print the answer",
		ArgsUsage: "<instance> <command> [json]",
		Action: func(c *cli.Context) error {
			instance, err := requireArg(c, 0, "instance")
			if err != nil {
				return err
			}
			command, err := requireArg(c, 1, "command")
			if err != nil {
				return err
			}
			var data any
			if raw := c.Args().Get(2); raw != "" {
				data = parseValue(raw)
			}
			s, err := open(c)
			if err != nil {
				return err
			}
			defer s.Close()

			answer, err := s.conn.SendTo(c.Context, instance, command, data)
			if err != nil {
				return err
			}
			return printJSON(answer)
		},
	}
}

func instanceCmd() *cli.Command {
	return &cli.Command{
		Name:      "instance",
		Usage:     "Subscribe to messages of an adapter instance until interrupted",
		ArgsUsage: "<instance> <type>",
		Action: func(c *cli.Context) error {
			target, err := requireArg(c, 0, "instance")
			if err != nil {
				return err
			}
			msgType, err := requireArg(c, 1, "type")
			if err != nil {
				return err
			}
			s, err := open(c)
			if err != nil {
				return err
			}
			defer s.Close()

			listener := subscription.NewListener(func(id string, msg *models.InstanceMessage) {
				printEvent("instance", id, msg)
			})
			clientID := uuid.NewString()
			result, err := s.conn.SubscribeOnInstance(c.Context, target, msgType, map[string]string{"clientId": clientID}, listener)
			if err != nil {
				return err
			}
			s.log.Infow("Subscribed on instance", "instance", target, "type", msgType, "client", clientID, "heartbeat", result.Heartbeat)

			untilSignal(c.Context)
			return s.conn.UnsubscribeFromInstance(c.Context, target, msgType, listener)
		},
	}
}

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Print server version, hosts and connection latency",
		Action: func(c *cli.Context) error {
			s, err := open(c)
			if err != nil {
				return err
			}
			defer s.Close()

			version, err := s.conn.GetVersion(c.Context, false)
			if err != nil {
				return err
			}
			hosts, err := s.conn.GetHosts(c.Context, false)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(hosts))
			for _, h := range hosts {
				names = append(names, h.ID)
			}
			return printJSON(map[string]any{
				"version": version,
				"role":    s.conn.Role(),
				"admin":   s.conn.IsAdmin(),
				"hosts":   names,
				"latency": s.conn.Latency(),
			})
		},
	}
}

func requireArg(c *cli.Context, i int, name string) (string, error) {
	v := c.Args().Get(i)
	if v == "" {
		return "", cli.Exit(fmt.Sprintf("missing argument <%s>", name), 2)
	}
	return v, nil
}

// parseValue decodes raw as JSON and falls back to the plain string.
func parseValue(raw string) any {
	var v any
	if err := safejson.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func printJSON(v any) error {
	out, err := safejson.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}

func printEvent(kind, id string, payload any) {
	line := struct {
		Kind    string `json:"kind"`
		ID      string `json:"id"`
		Payload any    `json:"payload"`
	}{kind, id, payload}
	out, err := safejson.Marshal(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode %s %s: %v\n", kind, id, err)
		return
	}
	fmt.Fprintln(os.Stdout, string(out))
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// NodeConfig is the document sent to provision a node.
type NodeConfig struct {
	NodeID   string          `json:"node_id"`
	Version  int64           `json:"version"`
	Type     string          `json:"type"`
	GhUID    string          `json:"gh_uid"`
	ZoneUID  string          `json:"zone_uid"`
	Channels []ChannelConfig `json:"channels"`
	WiFi     map[string]any  `json:"wifi"`
	MQTT     BrokerConfig    `json:"mqtt"`
}

type ChannelConfig struct {
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	ActuatorType string         `json:"actuator_type,omitempty"`
	Metric       string         `json:"metric,omitempty"`
	Unit         string         `json:"unit,omitempty"`
	FailSafeMode string         `json:"fail_safe_mode,omitempty"`
	SafeLimits   map[string]int `json:"safe_limits,omitempty"`
}

type BrokerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Command is one node command.
type Command struct {
	Cmd    string         `json:"cmd"`
	CmdID  string         `json:"cmd_id"`
	Params map[string]any `json:"params,omitempty"`
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	mode := flag.String("mode", "watch", "run mode: provision, command, watch")
	hwid := flag.String("hwid", "", "hardware id of an unprovisioned node (provision)")
	ns := flag.String("ns", "gh-1/zone-1/node-1", "facility/zone/node of a provisioned node")
	version := flag.Int64("version", 1, "config version (provision)")
	channel := flag.String("channel", "acid", "target channel (command)")
	cmd := flag.String("cmd", "get_status", "command name (command)")
	params := flag.String("params", "{}", "command params as JSON (command)")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("nodecore-backend-sim-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to MQTT broker: %s\n", *broker)

	parts := strings.Split(*ns, "/")
	if len(parts) != 3 {
		fmt.Println("-ns must be facility/zone/node")
		os.Exit(1)
	}

	switch *mode {
	case "provision":
		if *hwid == "" {
			fmt.Println("-hwid is required for provision")
			os.Exit(1)
		}
		provision(client, *hwid, parts, *version)
	case "command":
		sendCommand(client, *ns, *channel, *cmd, *params)
	case "watch":
		watch(client)
	default:
		fmt.Println("unknown run mode, use provision, command or watch")
		os.Exit(1)
	}
}

// provision sends a config to the node's temp namespace and waits for
// its ACK on the assigned namespace.
func provision(client paho.Client, hwid string, ns []string, version int64) {
	cfg := NodeConfig{
		NodeID:  ns[2],
		Version: version,
		Type:    "ph_node",
		GhUID:   ns[0],
		ZoneUID: ns[1],
		Channels: []ChannelConfig{
			{Name: "ph", Type: "SENSOR", Metric: "PH", Unit: "pH"},
			{Name: "acid", Type: "ACTUATOR", ActuatorType: "PUMP", FailSafeMode: "NO",
				SafeLimits: map[string]int{"max_duration_ms": 30000, "min_off_ms": 5000}},
			{Name: "fan", Type: "ACTUATOR", ActuatorType: "RELAY", FailSafeMode: "NO"},
		},
		WiFi: map[string]any{},
		MQTT: BrokerConfig{Host: "localhost", Port: 1883},
	}

	ackTopic := fmt.Sprintf("hydro/%s/config_response", strings.Join(ns, "/"))
	acked := make(chan []byte, 1)
	client.Subscribe(ackTopic, 1, func(_ paho.Client, msg paho.Message) {
		acked <- msg.Payload()
	}).Wait()

	payload, err := json.Marshal(cfg)
	if err != nil {
		fmt.Printf("JSON encoding failed: %v\n", err)
		return
	}
	topic := fmt.Sprintf("hydro/temp/temp/%s/config", hwid)
	token := client.Publish(topic, 1, false, payload)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("failed to publish config: %v\n", token.Error())
		return
	}
	fmt.Printf("config v%d sent to %s\n", version, topic)

	select {
	case ack := <-acked:
		fmt.Printf("config ack: %s\n", ack)
	case <-time.After(15 * time.Second):
		fmt.Println("no config ack within 15s")
	}
	client.Disconnect(250)
}

// sendCommand publishes one command and prints responses until the
// terminal one arrives.
func sendCommand(client paho.Client, ns, channel, name, rawParams string) {
	var p map[string]any
	if err := json.Unmarshal([]byte(rawParams), &p); err != nil {
		fmt.Printf("invalid -params: %v\n", err)
		return
	}
	c := Command{Cmd: name, CmdID: fmt.Sprintf("sim-%d", time.Now().UnixNano()), Params: p}

	done := make(chan struct{})
	respTopic := fmt.Sprintf("hydro/%s/%s/command_response", ns, channel)
	client.Subscribe(respTopic, 1, func(_ paho.Client, msg paho.Message) {
		var resp struct {
			CmdID  string `json:"cmd_id"`
			Status string `json:"status"`
		}
		if json.Unmarshal(msg.Payload(), &resp) != nil || resp.CmdID != c.CmdID {
			return
		}
		fmt.Printf("response: %s\n", msg.Payload())
		if resp.Status != "ACCEPTED" && resp.Status != "ACK" {
			close(done)
		}
	}).Wait()

	payload, _ := json.Marshal(c)
	topic := fmt.Sprintf("hydro/%s/%s/command", ns, channel)
	client.Publish(topic, 1, false, payload).Wait()
	fmt.Printf("sent %s to %s\n", payload, topic)

	select {
	case <-done:
	case <-time.After(2 * time.Minute):
		fmt.Println("no terminal response within 2m")
	}
	client.Disconnect(250)
}

// watch prints everything the fleet publishes.
func watch(client paho.Client) {
	client.Subscribe("hydro/#", 0, func(_ paho.Client, msg paho.Message) {
		retained := ""
		if msg.Retained() {
			retained = " (retained)"
		}
		fmt.Printf("%s%s: %s\n", msg.Topic(), retained, msg.Payload())
	}).Wait()
	fmt.Println("watching hydro/#, Ctrl-C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("disconnecting...")
	client.Disconnect(250)
}

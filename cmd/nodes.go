package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/pkg/protocol"
)

func nodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Manage paired companion nodes",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List connected nodes",
		Run: func(cmd *cobra.Command, args []string) {
			var out struct {
				Nodes []map[string]any `json:"nodes"`
			}
			if err := callGateway(protocol.MethodNodesList, nil, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if jsonOutput {
				printJSON(out)
				return
			}
			if len(out.Nodes) == 0 {
				fmt.Println("no nodes connected")
				return
			}
			for _, n := range out.Nodes {
				fmt.Printf("%-20v %-16v paired=%v\n", n["name"], n["id"], n["paired"])
			}
		},
	}

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List nodes awaiting pairing approval",
		Run: func(cmd *cobra.Command, args []string) {
			var out struct {
				Pending []map[string]any `json:"pending"`
			}
			if err := callGateway(protocol.MethodNodesPending, nil, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if jsonOutput {
				printJSON(out)
				return
			}
			if len(out.Pending) == 0 {
				fmt.Println("no pending pairing requests")
				return
			}
			for _, p := range out.Pending {
				fmt.Printf("%-20v code=%v requested=%v\n", p["name"], p["code"], p["requestedAt"])
			}
		},
	}

	approve := nodesDecisionCmd("approve", protocol.MethodNodesApprove)
	reject := nodesDecisionCmd("reject", protocol.MethodNodesReject)

	describe := &cobra.Command{
		Use:   "describe <node>",
		Short: "Show a node's commands and connection details",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var out map[string]any
			if err := callGateway(protocol.MethodNodesDescribe, map[string]string{"node": args[0]}, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			printJSON(out)
		},
	}

	rename := &cobra.Command{
		Use:   "rename <node> <new-name>",
		Short: "Rename a paired node",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			params := map[string]string{"deviceId": args[0], "name": args[1]}
			var out map[string]any
			if err := callGateway(protocol.MethodNodesRename, params, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("renamed to %s\n", args[1])
		},
	}

	var invokeParams string
	var invokeTimeout time.Duration
	invoke := &cobra.Command{
		Use:   "invoke <node> <command>",
		Short: "Run a raw command on a node",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			var params json.RawMessage
			if invokeParams != "" {
				if !json.Valid([]byte(invokeParams)) {
					fmt.Fprintln(os.Stderr, "Error: --params must be valid JSON")
					os.Exit(1)
				}
				params = json.RawMessage(invokeParams)
			}
			invokeNode(args[0], args[1], params, invokeTimeout)
		},
	}
	invoke.Flags().StringVar(&invokeParams, "params", "", "JSON parameters for the command")
	invoke.Flags().DurationVar(&invokeTimeout, "timeout", 30*time.Second, "invoke timeout")

	cmd.AddCommand(list, pending, approve, reject, describe, rename, invoke,
		nodesCanvasCmd(), nodesCameraCmd(), nodesScreenCmd(), nodesLocationCmd())
	return cmd
}

func nodesDecisionCmd(verb, method string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <code-or-node>",
		Short: verb + " a node pairing request",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var out map[string]any
			if err := callGateway(method, protocol.PairDecision{Code: args[0]}, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%sd\n", verb)
		},
	}
}

// invokeNode issues nodes.invoke and prints the reply payload.
func invokeNode(node, command string, params json.RawMessage, timeout time.Duration) {
	inv := protocol.NodeInvoke{
		Node:      node,
		Command:   command,
		Params:    params,
		TimeoutMs: int(timeout.Milliseconds()),
	}
	var out json.RawMessage
	if err := callGateway(protocol.MethodNodesInvoke, inv, &out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(out) == 0 {
		fmt.Println("ok")
		return
	}
	var pretty any
	if err := json.Unmarshal(out, &pretty); err == nil {
		printJSON(pretty)
	} else {
		fmt.Println(string(out))
	}
}

func nodesCanvasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canvas",
		Short: "Drive a node's canvas surface",
	}

	snapshot := &cobra.Command{
		Use:   "snapshot <node>",
		Short: "Capture the canvas as an image",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			invokeNode(args[0], protocol.NodeCanvasSnapshot, nil, 30*time.Second)
		},
	}

	present := &cobra.Command{
		Use:   "present <node> <url-or-html>",
		Short: "Show content on the canvas",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			params, _ := json.Marshal(map[string]string{"content": args[1]})
			invokeNode(args[0], protocol.NodeCanvasPresent, params, 30*time.Second)
		},
	}

	navigate := &cobra.Command{
		Use:   "navigate <node> <url>",
		Short: "Navigate the canvas to a URL",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			params, _ := json.Marshal(map[string]string{"url": args[1]})
			invokeNode(args[0], protocol.NodeCanvasNavigate, params, 30*time.Second)
		},
	}

	eval := &cobra.Command{
		Use:   "eval <node> <javascript>",
		Short: "Evaluate JavaScript on the canvas",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			params, _ := json.Marshal(map[string]string{"js": args[1]})
			invokeNode(args[0], protocol.NodeCanvasEval, params, 30*time.Second)
		},
	}

	cmd.AddCommand(snapshot, present, navigate, eval)
	return cmd
}

func nodesCameraCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "camera",
		Short: "Capture from a node's cameras",
	}

	var facing string
	snap := &cobra.Command{
		Use:   "snap <node>",
		Short: "Take a still photo",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var params json.RawMessage
			if facing != "" {
				params, _ = json.Marshal(map[string]string{"facing": facing})
			}
			invokeNode(args[0], protocol.NodeCameraSnap, params, time.Minute)
		},
	}
	snap.Flags().StringVar(&facing, "facing", "", "camera selector (front, back)")

	var clipSeconds int
	clip := &cobra.Command{
		Use:   "clip <node>",
		Short: "Record a short video clip",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			params, _ := json.Marshal(map[string]int{"seconds": clipSeconds})
			invokeNode(args[0], protocol.NodeCameraClip, params, 2*time.Minute)
		},
	}
	clip.Flags().IntVar(&clipSeconds, "seconds", 5, "clip length in seconds")

	list := &cobra.Command{
		Use:   "list <node>",
		Short: "List the node's cameras",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			invokeNode(args[0], protocol.NodeCameraList, nil, 30*time.Second)
		},
	}

	cmd.AddCommand(snap, clip, list)
	return cmd
}

func nodesScreenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Capture a node's screen",
	}

	var seconds int
	record := &cobra.Command{
		Use:   "record <node>",
		Short: "Record the screen",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			params, _ := json.Marshal(map[string]int{"seconds": seconds})
			invokeNode(args[0], protocol.NodeScreenRecord, params, 2*time.Minute)
		},
	}
	record.Flags().IntVar(&seconds, "seconds", 10, "recording length in seconds")

	cmd.AddCommand(record)
	return cmd
}

func nodesLocationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "location",
		Short: "Query a node's location",
	}

	get := &cobra.Command{
		Use:   "get <node>",
		Short: "Get the current location fix",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			invokeNode(args[0], protocol.NodeLocationGet, nil, time.Minute)
		},
	}

	cmd.AddCommand(get)
	return cmd
}

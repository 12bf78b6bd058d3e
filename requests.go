package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupported is returned by the typed request methods when the server did not announce the
// capability the request needs.
var ErrUnsupported = errors.New("not supported by server")

// Ping checks that the server is alive and answering.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, MethodPing, nil)
	return err
}

// ListPrompts retrieves a paginated list of available prompts from the server.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	if err := c.requireCapability("prompts", func(caps ServerCapabilities) bool { return caps.Prompts != nil }); err != nil {
		return ListPromptResult{}, err
	}
	return request[ListPromptResult](ctx, c, MethodPromptsList, params)
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.requireCapability("prompts", func(caps ServerCapabilities) bool { return caps.Prompts != nil }); err != nil {
		return GetPromptResult{}, err
	}
	return request[GetPromptResult](ctx, c, MethodPromptsGet, params)
}

// ListResources retrieves a paginated list of available resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.requireCapability("resources", func(caps ServerCapabilities) bool { return caps.Resources != nil }); err != nil {
		return ListResourcesResult{}, err
	}
	return request[ListResourcesResult](ctx, c, MethodResourcesList, params)
}

// ReadResource retrieves the content of the resource identified by params.URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.requireCapability("resources", func(caps ServerCapabilities) bool { return caps.Resources != nil }); err != nil {
		return ReadResourceResult{}, err
	}
	return request[ReadResourceResult](ctx, c, MethodResourcesRead, params)
}

// ListResourceTemplates retrieves the resource templates the server exposes.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	if err := c.requireCapability("resources", func(caps ServerCapabilities) bool { return caps.Resources != nil }); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	return request[ListResourceTemplatesResult](ctx, c, MethodResourcesTemplatesList, params)
}

// SubscribeResource asks the server to report changes of a resource. Changes arrive as ResourceChanged
// events.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if err := c.requireCapability("resource subscriptions", supportsSubscribe); err != nil {
		return err
	}
	_, err := c.Request(ctx, MethodResourcesSubscribe, params)
	return err
}

// UnsubscribeResource cancels a subscription made with SubscribeResource.
func (c *Client) UnsubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if err := c.requireCapability("resource subscriptions", supportsSubscribe); err != nil {
		return err
	}
	_, err := c.Request(ctx, MethodResourcesUnsubscribe, params)
	return err
}

// ListTools retrieves a paginated list of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.requireCapability("tools", func(caps ServerCapabilities) bool { return caps.Tools != nil }); err != nil {
		return ListToolsResult{}, err
	}
	return request[ListToolsResult](ctx, c, MethodToolsList, params)
}

// CallTool invokes a tool on the server. A tool that ran but failed is reported through
// CallToolResult.IsError, not through the error.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.requireCapability("tools", func(caps ServerCapabilities) bool { return caps.Tools != nil }); err != nil {
		return CallToolResult{}, err
	}
	return request[CallToolResult](ctx, c, MethodToolsCall, params)
}

// SetLogLevel sets the minimum severity of the log messages the server sends. They arrive as LogReceived
// events.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if err := c.requireCapability("logging", func(caps ServerCapabilities) bool { return caps.Logging != nil }); err != nil {
		return err
	}
	_, err := c.Request(ctx, MethodLoggingSetLevel, setLevelParams{Level: level})
	return err
}

// requireCapability fails when the server is known not to support a feature. A client that is not ready
// passes; the request itself reports the status.
func (c *Client) requireCapability(feature string, supported func(ServerCapabilities) bool) error {
	identity, ok := c.ServerIdentity()
	if !ok {
		return nil
	}
	if !supported(identity.Capabilities) {
		return fmt.Errorf("%s %w", feature, ErrUnsupported)
	}
	return nil
}

func supportsSubscribe(caps ServerCapabilities) bool {
	return caps.Resources != nil && caps.Resources.Subscribe
}

func request[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var result T

	raw, err := c.Request(ctx, method, params)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}

	return result, nil
}

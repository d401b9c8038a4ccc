package calendar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleProviderConfig tunes the HTTP transport used for Calendar API calls.
type GoogleProviderConfig struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	// Endpoint overrides the API base URL; tests point it at an httptest server.
	Endpoint string
}

// GoogleProvider implements Provider on the Calendar v3 API.
type GoogleProvider struct {
	base     *http.Client
	endpoint string
}

func NewGoogleProvider(cfg GoogleProviderConfig) *GoogleProvider {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 45 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = cfg.DialTimeout

	return &GoogleProvider{
		base:     &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		endpoint: cfg.Endpoint,
	}
}

// service builds a Calendar client bound to one call's credential.
func (p *GoogleProvider) service(ctx context.Context, token *oauth2.Token) (*gcal.Service, error) {
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("calendar: missing access token")
	}
	clientCtx := context.WithValue(ctx, oauth2.HTTPClient, p.base)
	httpClient := oauth2.NewClient(clientCtx, oauth2.StaticTokenSource(token))
	httpClient.Timeout = p.base.Timeout

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return svc, nil
}

func (p *GoogleProvider) ListEvents(ctx context.Context, token *oauth2.Token, calendarID string, req ListRequest) (*EventPage, error) {
	svc, err := p.service(ctx, token)
	if err != nil {
		return nil, err
	}
	call := svc.Events.List(calendarID).SingleEvents(true)
	if req.IsIncremental() {
		call = call.SyncToken(req.SyncToken)
	} else {
		if !req.TimeMin.IsZero() {
			call = call.TimeMin(req.TimeMin.UTC().Format(time.RFC3339))
		}
		if !req.TimeMax.IsZero() {
			call = call.TimeMax(req.TimeMax.UTC().Format(time.RFC3339))
		}
		if req.MaxResults > 0 {
			call = call.MaxResults(req.MaxResults)
		}
		if req.OrderByStartTime {
			call = call.OrderBy("startTime")
		}
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, classifyAPIError("list events", err)
	}
	return &EventPage{
		Items:         resp.Items,
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}, nil
}

func (p *GoogleProvider) InsertEvent(ctx context.Context, token *oauth2.Token, calendarID string, event *gcal.Event) (*gcal.Event, error) {
	svc, err := p.service(ctx, token)
	if err != nil {
		return nil, err
	}
	created, err := svc.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return nil, classifyAPIError("insert event", err)
	}
	return created, nil
}

func (p *GoogleProvider) UpdateEvent(ctx context.Context, token *oauth2.Token, calendarID, eventID string, event *gcal.Event) (*gcal.Event, error) {
	svc, err := p.service(ctx, token)
	if err != nil {
		return nil, err
	}
	updated, err := svc.Events.Update(calendarID, eventID, event).Context(ctx).Do()
	if err != nil {
		return nil, classifyAPIError("update event "+eventID, err)
	}
	return updated, nil
}

func (p *GoogleProvider) DeleteEvent(ctx context.Context, token *oauth2.Token, calendarID, eventID string) error {
	svc, err := p.service(ctx, token)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return classifyAPIError("delete event "+eventID, err)
	}
	return nil
}

func (p *GoogleProvider) Watch(ctx context.Context, token *oauth2.Token, calendarID string, channel *gcal.Channel) (*gcal.Channel, error) {
	svc, err := p.service(ctx, token)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Events.Watch(calendarID, channel).Context(ctx).Do()
	if err != nil {
		return nil, classifyAPIError("watch calendar", err)
	}
	return resp, nil
}

func (p *GoogleProvider) StopChannel(ctx context.Context, token *oauth2.Token, channelID, resourceID string) error {
	svc, err := p.service(ctx, token)
	if err != nil {
		return err
	}
	channel := &gcal.Channel{Id: channelID, ResourceId: resourceID}
	if err := svc.Channels.Stop(channel).Context(ctx).Do(); err != nil {
		return classifyAPIError("stop channel "+channelID, err)
	}
	return nil
}

// classifyAPIError maps provider status codes onto the package sentinels.
// A 410 on a list call is the cursor reset signal; on single resources it means gone.
func classifyAPIError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusGone:
			if op == "list events" {
				return fmt.Errorf("%s: %w", op, ErrSyncTokenInvalid)
			}
			return fmt.Errorf("%s: %w", op, ErrProviderNotFound)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrProviderNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Provider = (*GoogleProvider)(nil)

// Package fetching implements module script graph fetching: the per-settings
// module map, single module fetches, the descendant fetch with its pending
// count join, and the top-level external, inline, worker and import() graph
// procedures that feed Link and Evaluate.
package fetching

import (
	"modgraph/internal/core/ports"
)

type Destination string

const (
	DestinationScript       Destination = "script"
	DestinationWorker       Destination = "worker"
	DestinationSharedWorker Destination = "sharedworker"
	DestinationJSON         Destination = "json"
	DestinationStyle        Destination = "style"
)

type Mode string

const (
	ModeCORS       Mode = "cors"
	ModeSameOrigin Mode = "same-origin"
)

type CredentialsMode string

const (
	CredentialsOmit       CredentialsMode = "omit"
	CredentialsSameOrigin CredentialsMode = "same-origin"
	CredentialsInclude    CredentialsMode = "include"
)

type ParserMetadata string

const (
	ParserInserted    ParserMetadata = "parser-inserted"
	NotParserInserted ParserMetadata = "not-parser-inserted"
)

type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityLow  Priority = "low"
	PriorityAuto Priority = "auto"
)

// ScriptFetchOptions are carried from a script to the fetches it causes.
type ScriptFetchOptions struct {
	CryptographicNonce string
	IntegrityMetadata  string
	ParserMetadata     ParserMetadata
	CredentialsMode    CredentialsMode
	ReferrerPolicy     string
	RenderBlocking     bool
	FetchPriority      Priority
}

func DefaultClassicScriptOptions() ScriptFetchOptions {
	return ScriptFetchOptions{
		ParserMetadata:  NotParserInserted,
		CredentialsMode: CredentialsSameOrigin,
		FetchPriority:   PriorityAuto,
	}
}

// DescendantOptions are the options used for a script's static imports:
// integrity is dropped and priority goes back to auto.
func (o ScriptFetchOptions) DescendantOptions() ScriptFetchOptions {
	o.IntegrityMetadata = ""
	o.FetchPriority = PriorityAuto
	return o
}

// moduleRequest sets up the loader request for a module fetch. Top-level
// worker and shared worker fetches are same-origin; everything else is CORS.
func (o ScriptFetchOptions) moduleRequest(url string, dest Destination, topLevel bool) ports.ResourceRequest {
	mode := ModeCORS
	if topLevel && (dest == DestinationWorker || dest == DestinationSharedWorker) {
		mode = ModeSameOrigin
	}
	return ports.ResourceRequest{
		URL:            url,
		Destination:    string(dest),
		Mode:           string(mode),
		Credentials:    string(o.CredentialsMode),
		Integrity:      o.IntegrityMetadata,
		Nonce:          o.CryptographicNonce,
		ReferrerPolicy: o.ReferrerPolicy,
		Priority:       string(o.FetchPriority),
		TopLevel:       topLevel,
	}
}

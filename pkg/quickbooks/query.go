package quickbooks

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/qbsync/qbsync/pkg/engine"
	"github.com/qbsync/qbsync/pkg/variant"
)

// qbxmlProlog frames every request. The version processing instruction
// is mandatory; without it the application rejects the whole envelope.
const qbxmlProlog = "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n<?qbxml version=\"8.0\"?>\n"

// maxLoggedResponse bounds raw responses quoted in logs.
const maxLoggedResponse = 2048

// Request side of one account query. Element names follow the qbXML
// message schema.
type accountQueryRequest struct {
	XMLName xml.Name           `xml:"QBXML"`
	Msgs    accountQueryMsgsRq `xml:"QBXMLMsgsRq"`
}

type accountQueryMsgsRq struct {
	OnError string         `xml:"onError,attr"`
	Query   accountQueryRq `xml:"AccountQueryRq"`
}

type accountQueryRq struct {
	FullName string `xml:"FullName"`
}

// Response side. Only the fields the balance extraction needs are
// mapped; everything else in the envelope is ignored.
type accountQueryResponse struct {
	XMLName xml.Name           `xml:"QBXML"`
	Msgs    accountQueryMsgsRs `xml:"QBXMLMsgsRs"`
}

type accountQueryMsgsRs struct {
	Query accountQueryRs `xml:"AccountQueryRs"`
}

type accountQueryRs struct {
	StatusCode     string       `xml:"statusCode,attr"`
	StatusSeverity string       `xml:"statusSeverity,attr"`
	StatusMessage  string       `xml:"statusMessage,attr"`
	Accounts       []accountRet `xml:"AccountRet"`
}

type accountRet struct {
	Name         string `xml:"Name"`
	FullName     string `xml:"FullName"`
	Balance      string `xml:"Balance"`
	TotalBalance string `xml:"TotalBalance"`
}

// buildAccountQuery renders the qbXML for one account looked up by its
// colon-delimited full name. Queries never filter on the short account
// number, which can be ambiguous across sub-accounts.
func buildAccountQuery(fullName string) (string, error) {
	body, err := xml.Marshal(accountQueryRequest{
		Msgs: accountQueryMsgsRq{
			OnError: "stopOnError",
			Query:   accountQueryRq{FullName: fullName},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal account query: %w", err)
	}
	return qbxmlProlog + string(body), nil
}

// parseAccountBalance extracts the one balance an account query response
// may carry for fullName. The sign comes through verbatim; liability
// accounts legitimately report negative balances.
func parseAccountBalance(response, fullName string) (decimal.Decimal, error) {
	var parsed accountQueryResponse
	if err := xml.Unmarshal([]byte(response), &parsed); err != nil {
		return decimal.Zero, engine.NewTransientError(engine.ErrCodeUnexpectedResponseShape,
			fmt.Errorf("response is not qbXML: %w", err)).WithOperation("AccountQueryRs")
	}

	rs := parsed.Msgs.Query
	if strings.EqualFold(rs.StatusSeverity, "Error") {
		return decimal.Zero, engine.NewTransientError(engine.ErrCodeInvocationException,
			fmt.Errorf("status %s: %s", rs.StatusCode, rs.StatusMessage)).WithOperation("AccountQueryRs")
	}

	switch len(rs.Accounts) {
	case 0:
		return decimal.Zero, engine.NewExpectedError(engine.ErrCodeAccountNotFound,
			fmt.Errorf("no account named %q", fullName))
	case 1:
	default:
		// One full-path filter matching several accounts is a protocol
		// violation, not a pick-the-first situation.
		return decimal.Zero, engine.NewTransientError(engine.ErrCodeUnexpectedResponseShape,
			fmt.Errorf("%d accounts matched full name %q", len(rs.Accounts), fullName)).WithOperation("AccountQueryRs")
	}

	text := rs.Accounts[0].Balance
	if text == "" {
		text = rs.Accounts[0].TotalBalance
	}
	if text == "" {
		return decimal.Zero, engine.NewTransientError(engine.ErrCodeUnexpectedResponseShape,
			fmt.Errorf("account %q reported no balance", fullName)).WithOperation("AccountQueryRs")
	}
	amount, err := variant.ParseAmount(text)
	if err != nil {
		return decimal.Zero, engine.NewTransientError(engine.ErrCodeUnexpectedResponseShape,
			fmt.Errorf("balance %q: %w", text, err)).WithOperation("AccountQueryRs")
	}
	return amount, nil
}

// QueryBalance implements engine.BalanceSource: one account query round
// trip under the open session. An absent account comes back as an
// expected AccountNotFound, never as a zero balance.
func (s *Session) QueryBalance(ctx context.Context, fullName string) (engine.AccountBalance, error) {
	request, err := buildAccountQuery(fullName)
	if err != nil {
		return engine.AccountBalance{}, engine.NewPermanentError(engine.ErrCodeUnexpectedResponseShape, err).
			WithOperation("AccountQueryRq")
	}

	response, err := s.ProcessRequest(ctx, request)
	if err != nil {
		return engine.AccountBalance{}, err
	}

	amount, err := parseAccountBalance(response, fullName)
	if err != nil {
		if engine.CodeOf(err) == engine.ErrCodeUnexpectedResponseShape {
			s.logger.WithAccount(fullName).
				WithField("response", clipResponse(response)).
				Warn("account query response out of shape")
		}
		return engine.AccountBalance{}, err
	}

	s.logger.WithAccount(fullName).WithField("balance", amount.String()).Debug("balance retrieved")
	return engine.AccountBalance{
		Account:     fullName,
		Amount:      amount,
		RetrievedAt: time.Now(),
	}, nil
}

// clipResponse keeps quoted raw responses log-sized.
func clipResponse(s string) string {
	if len(s) <= maxLoggedResponse {
		return s
	}
	return s[:maxLoggedResponse] + "..."
}

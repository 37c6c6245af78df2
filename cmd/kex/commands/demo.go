package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/kex"
	"github.com/opd-ai/kex/conversation"
	"github.com/opd-ai/kex/exchange"
	"github.com/opd-ai/kex/identity"
	"github.com/opd-ai/kex/transport"
)

// demoCmd runs a complete exchange between two in-process identities over
// the in-memory transport, printing each protocol step.
func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a full key exchange between two in-memory identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			hub := transport.NewMemoryHub()

			alice, err := identity.Generate()
			if err != nil {
				return err
			}
			bob, err := identity.Generate()
			if err != nil {
				return err
			}

			ka, err := kex.New(alice, hub.Endpoint(alice.SessionID()), nil)
			if err != nil {
				return err
			}
			defer ka.Kill()

			kb, err := kex.New(bob, hub.Endpoint(bob.SessionID()), nil)
			if err != nil {
				return err
			}
			defer kb.Kill()

			fmt.Printf("alice: %s\n", alice.SessionID())
			fmt.Printf("bob:   %s\n\n", bob.SessionID())

			inbound := make(chan *exchange.Request, 1)
			kb.OnRequestReceived(func(req *exchange.Request) {
				fmt.Printf("bob   <- request %s: %q\n", req.ID, req.Phrase)
				inbound <- req
			})

			done := make(chan *conversation.Conversation, 2)
			ka.OnConversationCreated(func(c *conversation.Conversation) {
				fmt.Printf("alice -- conversation %s (confirmed=%v)\n", c.ID, c.Confirmed)
				done <- c
			})
			kb.OnConversationCreated(func(c *conversation.Conversation) {
				fmt.Printf("bob   -- conversation %s (confirmed=%v)\n", c.ID, c.Confirmed)
				done <- c
			})

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			requestID, err := ka.SendRequest(ctx, bob.SessionID(), "hello from the demo")
			if err != nil {
				return err
			}
			fmt.Printf("alice -> request %s\n", requestID)

			select {
			case req := <-inbound:
				if err := kb.AcceptRequest(ctx, req.ID, nil); err != nil {
					return err
				}
				fmt.Printf("bob   -> accept %s\n", req.ID)
			case <-ctx.Done():
				return fmt.Errorf("request never arrived")
			}

			for i := 0; i < 2; i++ {
				select {
				case <-done:
				case <-ctx.Done():
					return fmt.Errorf("exchange never completed")
				}
			}

			key, ok := ka.SessionKey(bob.SessionID())
			if !ok {
				return fmt.Errorf("no session key derived")
			}
			fmt.Printf("\nshared session key established (%d bytes)\n", len(key))
			return nil
		},
	}
}

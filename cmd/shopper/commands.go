package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/noah-isme/toko-cart/internal/address"
	"github.com/noah-isme/toko-cart/internal/cart"
	"github.com/noah-isme/toko-cart/internal/checkout"
	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/identity"
	"github.com/noah-isme/toko-cart/internal/order"
)

func (s *shopper) commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "login",
			Usage: "sign in and persist the session",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "email", Required: true},
				&cli.StringFlag{Name: "password", Required: true},
				&cli.StringFlag{Name: "from", Usage: "login location printed by a failed command"},
			},
			Action: s.login,
		},
		{
			Name:  "password",
			Usage: "change the password of the signed-in account",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "current", Required: true},
				&cli.StringFlag{Name: "new", Required: true},
			},
			Action: s.password,
		},
		{
			Name:  "signup",
			Usage: "create an account (does not sign in)",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "first-name"},
				&cli.StringFlag{Name: "last-name"},
				&cli.StringFlag{Name: "email"},
				&cli.StringFlag{Name: "password"},
				&cli.StringFlag{Name: "confirm-password"},
			},
			Action: s.signup,
		},
		{
			Name:  "logout",
			Usage: "clear the persisted session",
			Action: func(c *cli.Context) error {
				if err := s.session.Logout(c.Context); err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, "Logged out.")
				return nil
			},
		},
		{
			Name:  "cart",
			Usage: "show or change the cart",
			Subcommands: []*cli.Command{
				{Name: "show", Usage: "print the cart and its totals", Action: s.cartShow},
				{
					Name:      "add",
					Usage:     "add a product",
					ArgsUsage: "<product-id>",
					Flags:     []cli.Flag{&cli.IntFlag{Name: "qty", Value: 1}},
					Action:    s.cartAdd,
				},
				{Name: "update", Usage: "set a line quantity", ArgsUsage: "<cart-item-id> <quantity>", Action: s.cartUpdate},
				{
					Name:      "remove",
					Usage:     "remove a line",
					ArgsUsage: "<cart-item-id>",
					Flags:     []cli.Flag{&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}}},
					Action:    s.cartRemove,
				},
				{
					Name:   "clear",
					Usage:  "remove every line",
					Flags:  []cli.Flag{&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}}},
					Action: s.cartClear,
				},
			},
		},
		{
			Name:  "addresses",
			Usage: "manage saved shipping addresses",
			Subcommands: []*cli.Command{
				{Name: "list", Action: s.addressesList},
				{Name: "delete", ArgsUsage: "<address-id>", Action: s.addressesDelete},
			},
		},
		{
			Name:  "orders",
			Usage: "order history",
			Subcommands: []*cli.Command{
				{Name: "list", Action: s.ordersList},
				{Name: "show", ArgsUsage: "<order-id>", Action: s.ordersShow},
			},
		},
		{
			Name:   "health",
			Usage:  "probe the storefront API and Redis",
			Action: s.health,
		},
		{
			Name:  "checkout",
			Usage: "place an order for the current cart",
			Flags: []cli.Flag{
				&cli.Int64Flag{Name: "address-id", Usage: "saved address to ship to"},
				&cli.StringFlag{Name: "full-name"},
				&cli.StringFlag{Name: "address1"},
				&cli.StringFlag{Name: "city"},
				&cli.StringFlag{Name: "state"},
				&cli.StringFlag{Name: "pincode"},
				&cli.StringFlag{Name: "phone"},
				&cli.StringFlag{Name: "payment", Value: "cod", Usage: "cod or upi"},
			},
			Action: s.checkout,
		},
	}
}

func (s *shopper) login(c *cli.Context) error {
	user, err := s.auth.Login(c.Context, identity.LoginInput{Email: c.String("email"), Password: c.String("password")})
	if err != nil {
		return err
	}
	s.cart.Wait()
	fmt.Fprintf(c.App.Writer, "Logged in as %s.\n", user.Email)
	if from := c.String("from"); from != "" {
		fmt.Fprintf(c.App.Writer, "Continue at %s\n", identity.NextFrom(from))
	}
	return nil
}

func (s *shopper) password(c *cli.Context) error {
	msg, err := s.auth.UpdatePassword(c.Context, identity.UpdatePasswordInput{
		CurrentPassword: c.String("current"),
		NewPassword:     c.String("new"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, msg)
	return nil
}

func (s *shopper) signup(c *cli.Context) error {
	msg, err := s.auth.Signup(c.Context, identity.SignupInput{
		FirstName:       c.String("first-name"),
		LastName:        c.String("last-name"),
		Email:           c.String("email"),
		Password:        c.String("password"),
		ConfirmPassword: c.String("confirm-password"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, msg)
	return nil
}

func (s *shopper) cartShow(c *cli.Context) error {
	if err := s.cart.Load(c.Context); err != nil {
		return err
	}
	printCart(c.App.Writer, s.cart.Snapshot())
	return nil
}

func (s *shopper) cartAdd(c *cli.Context) error {
	if err := s.cart.Add(c.Context, common.ID(strings.TrimSpace(c.Args().First())), c.Int("qty")); err != nil {
		return err
	}
	printCart(c.App.Writer, s.cart.Snapshot())
	return nil
}

func (s *shopper) cartUpdate(c *cli.Context) error {
	id, err := int64Arg(c, 0, "cart item id")
	if err != nil {
		return err
	}
	qty, err := strconv.Atoi(c.Args().Get(1))
	if err != nil {
		return common.Validation("Quantity must be a number.")
	}
	if err := s.cart.UpdateQuantity(c.Context, id, qty); err != nil {
		return err
	}
	printCart(c.App.Writer, s.cart.Snapshot())
	return nil
}

func (s *shopper) cartRemove(c *cli.Context) error {
	id, err := int64Arg(c, 0, "cart item id")
	if err != nil {
		return err
	}
	if err := s.cart.Load(c.Context); err != nil {
		return err
	}
	pending, err := s.prompt.AskRemove(id)
	if err != nil {
		return err
	}
	return s.confirm(c, pending)
}

func (s *shopper) cartClear(c *cli.Context) error {
	if err := s.cart.Load(c.Context); err != nil {
		return err
	}
	return s.confirm(c, s.prompt.AskClear())
}

// confirm answers the pending prompt from --yes or from stdin.
func (s *shopper) confirm(c *cli.Context, pending cart.Pending) error {
	if !c.Bool("yes") {
		fmt.Fprintf(c.App.Writer, "%s [y/N] ", pending.Message)
		answer, _ := bufio.NewReader(c.App.Reader).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			s.prompt.Cancel()
			fmt.Fprintln(c.App.Writer, "Cancelled.")
			return nil
		}
	}
	if err := s.prompt.Confirm(c.Context); err != nil {
		return err
	}
	printCart(c.App.Writer, s.cart.Snapshot())
	return nil
}

func (s *shopper) addressesList(c *cli.Context) error {
	list, err := s.book.List(c.Context)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(c.App.Writer, "No saved addresses.")
		return nil
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tPHONE")
	for _, a := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", a.ID, a.FullName, formatAddress(a), a.Phone)
	}
	return tw.Flush()
}

func (s *shopper) addressesDelete(c *cli.Context) error {
	id, err := int64Arg(c, 0, "address id")
	if err != nil {
		return err
	}
	if err := s.book.Delete(c.Context, id); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "Address deleted.")
	return nil
}

func (s *shopper) ordersList(c *cli.Context) error {
	orders, err := s.orders.MyOrders(c.Context)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Fprintln(c.App.Writer, "You have no orders yet.")
		return nil
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tDATE\tSTATUS\tTOTAL")
	for _, o := range orders {
		fmt.Fprintf(tw, "#%s\t%s\t%s\t%s\n", o.OrderID, o.CreatedAt.Format("2006-01-02"), o.Status, o.TotalAmount.StringFixed(2))
	}
	return tw.Flush()
}

func (s *shopper) ordersShow(c *cli.Context) error {
	o, err := s.orders.Find(c.Context, common.ID(c.Args().First()))
	if err != nil {
		return err
	}
	printOrder(c.App.Writer, o)
	return nil
}

func (s *shopper) checkout(c *cli.Context) error {
	ctx := c.Context
	if err := s.cart.Load(ctx); err != nil {
		return err
	}
	flow, err := checkout.Start(ctx, checkout.Config{Cart: s.cart, Addresses: s.book, Orders: s.orders, Logger: s.logger})
	if err != nil {
		return err
	}
	defer flow.Close()

	draft := address.Draft{
		FullName: c.String("full-name"),
		Address1: c.String("address1"),
		City:     c.String("city"),
		State:    c.String("state"),
		Pincode:  c.String("pincode"),
		Phone:    c.String("phone"),
	}
	switch {
	case c.IsSet("address-id"):
		err = flow.SelectAddress(c.Int64("address-id"))
	case draft != (address.Draft{}):
		if err = flow.UseNewAddress(); err == nil {
			err = flow.UpdateDraft(draft)
		}
	}
	if err != nil {
		return err
	}
	if err := flow.Next(ctx); err != nil {
		return err
	}
	if err := flow.SetPaymentMethod(checkout.PaymentMethod(c.String("payment"))); err != nil {
		return err
	}
	if err := flow.Next(ctx); err != nil {
		return err
	}

	shipTo, _ := flow.ShippingAddress()
	totals := flow.Totals()
	fmt.Fprintf(c.App.Writer, "Shipping to %s, %s\n", shipTo.FullName, formatAddress(shipTo))
	fmt.Fprintf(c.App.Writer, "Payment: %s\n", flow.State().PaymentMethod)
	fmt.Fprintf(c.App.Writer, "Subtotal %s  Shipping %s  Total %s\n",
		totals.Subtotal.StringFixed(2), totals.Shipping.StringFixed(2), totals.Total.StringFixed(2))

	orderID, err := flow.Place(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Order placed successfully! Order #%s\n", orderID)

	placed, err := s.orders.Find(ctx, orderID)
	if err != nil {
		s.logger.Warn().Err(err).Str("order_id", orderID.String()).Msg("order_confirmation_lookup_failed")
		return nil
	}
	printOrder(c.App.Writer, placed)
	return nil
}

func (s *shopper) health(c *cli.Context) error {
	report := s.probe.Check(c.Context)
	fmt.Fprintf(c.App.Writer, "api: %s\nredis: %s\nbreaker: %s\n", report.API, report.Redis, s.breaker.State())
	if !report.OK() {
		return cli.Exit("unhealthy", 1)
	}
	return nil
}

func int64Arg(c *cli.Context, n int, what string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(c.Args().Get(n)), 10, 64)
	if err != nil || v <= 0 {
		return 0, common.Validation(fmt.Sprintf("A valid %s is required.", what))
	}
	return v, nil
}

func formatAddress(a address.Address) string {
	return fmt.Sprintf("%s, %s, %s %s", a.Address1, a.City, a.State, a.Pincode)
}

func printCart(w io.Writer, snap cart.Snapshot) {
	if snap.Empty() {
		fmt.Fprintln(w, "Your cart is empty.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRODUCT\tPRICE\tQTY\tLINE")
	for _, it := range snap.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", it.CartItemID, it.Name, it.UnitPrice.StringFixed(2), it.Quantity, it.LineTotal().StringFixed(2))
	}
	_ = tw.Flush()
	sum := snap.Summary()
	fmt.Fprintf(w, "Subtotal %s  Shipping %s  Total %s\n", sum.Subtotal.StringFixed(2), sum.Shipping.StringFixed(2), sum.Total.StringFixed(2))
}

func printOrder(w io.Writer, o order.Order) {
	fmt.Fprintf(w, "Order #%s  %s  %s  total %s\n", o.OrderID, o.CreatedAt.Format("2006-01-02 15:04"), o.Status, o.TotalAmount.StringFixed(2))
	if o.ShippingAddress != nil {
		fmt.Fprintf(w, "Ship to: %s, %s\n", o.ShippingAddress.FullName, formatAddress(*o.ShippingAddress))
	}
	for _, it := range o.Items {
		fmt.Fprintf(w, "  %dx %s @ %s\n", it.Quantity, it.Name, it.UnitPrice.StringFixed(2))
	}
}

// Package client is the Go SDK for the freessl certd HTTP API.
//
// Owners issue certificates, list them and pay for them; operators holding
// an admin token can inspect and trigger the renewal sweeps.
//
//	c, err := client.New("https://certd.example.com", client.WithBearerToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cert, err := c.IssueCertificate(ctx, []string{"example.com", "www.example.com"})
//
// Errors from the server are *APIError values and match the package
// sentinels with errors.Is:
//
//	if errors.Is(err, client.ErrPaymentRequired) {
//	    order, _ := c.CreateOrder(ctx, client.CreateOrderRequest{
//	        CertificateID: cert.ID,
//	        Method:        "alipay",
//	    })
//	    fmt.Println("pay order", order.OrderID)
//	}
package client

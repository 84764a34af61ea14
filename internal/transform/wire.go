package transform

import "github.com/go-faster/jx"

// The external POS wire format is stringly typed throughout: money is fixed
// 2-decimal strings, booleans are "Y"/"N" sentinels, quantities are decimal
// strings. That quirk is contained here; internal types never carry it.
//
// Encoding is done with a hand-written jx encoder so that field order is
// fixed and the same payload always serializes to the same bytes. The
// idempotency key is a hash of these bytes.

// Payload is the top-level save_order request body. Credentials ride in the
// body; the production endpoint authenticates on them directly, the sandbox
// endpoint additionally requires a signature header over the encoded bytes.
type Payload struct {
	AppKey      string
	AppSecret   string
	AccessToken string
	Restaurant  WireRestaurant
	Customer    WireCustomer
	Order       WireOrder
	Items       []WireItem
	Taxes       []WireTax
	Discounts   []WireDiscount
	DeviceType  string
}

// WireRestaurant identifies the target restaurant on the POS side.
type WireRestaurant struct {
	RestID  string
	Name    string
	Address string
	Contact string
}

// WireCustomer is the order-time customer snapshot.
type WireCustomer struct {
	Name    string
	Address string
	Phone   string
	Email   string
}

// WireOrder carries the order-level fields. OrderType is a single-letter
// code (H delivery, P pickup, D dine-in); AdvancedOrder is "Y"/"N".
type WireOrder struct {
	OrderID         string
	OrderType       string
	PaymentType     string
	AdvancedOrder   string
	TableNo         string
	NoOfPersons     string
	DiscountTotal   string
	TaxTotal        string
	DeliveryCharges string
	PackingCharges  string
	Total           string
	Description     string
	CreatedOn       string
}

// WireItem is one order line. Quantity is a decimal string on the wire; see
// wire format notes in DESIGN.md.
type WireItem struct {
	ID            string
	Name          string
	Price         string
	FinalPrice    string
	Quantity      string
	VariationID   string
	VariationName string
	Addons        []WireAddon
}

// WireAddon nests under its item; group_id is a string on the wire.
type WireAddon struct {
	ID        string
	Name      string
	GroupID   string
	GroupName string
	Price     string
	Quantity  string
}

// WireTax is one tax line applied to the order.
type WireTax struct {
	ID    string
	Title string
	Type  string
	Price string
	Tax   string
}

// WireDiscount is one discount line applied to the order.
type WireDiscount struct {
	ID    string
	Title string
	Type  string
	Price string
}

// Encode serializes the payload with a fixed field order. Same input always
// yields byte-identical output.
func (p *Payload) Encode() []byte {
	e := &jx.Encoder{}
	e.ObjStart()
	e.FieldStart("app_key")
	e.Str(p.AppKey)
	e.FieldStart("app_secret")
	e.Str(p.AppSecret)
	e.FieldStart("access_token")
	e.Str(p.AccessToken)
	e.FieldStart("orderinfo")
	e.ObjStart()
	e.FieldStart("OrderInfo")
	e.ObjStart()
	p.encodeRestaurant(e)
	p.encodeCustomer(e)
	p.encodeOrder(e)
	p.encodeItems(e)
	p.encodeTaxes(e)
	p.encodeDiscounts(e)
	e.ObjEnd()
	e.FieldStart("device_type")
	e.Str(p.DeviceType)
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}

func (p *Payload) encodeRestaurant(e *jx.Encoder) {
	e.FieldStart("Restaurant")
	e.ObjStart()
	e.FieldStart("details")
	e.ObjStart()
	e.FieldStart("restID")
	e.Str(p.Restaurant.RestID)
	e.FieldStart("res_name")
	e.Str(p.Restaurant.Name)
	e.FieldStart("address")
	e.Str(p.Restaurant.Address)
	e.FieldStart("contact_information")
	e.Str(p.Restaurant.Contact)
	e.ObjEnd()
	e.ObjEnd()
}

func (p *Payload) encodeCustomer(e *jx.Encoder) {
	e.FieldStart("Customer")
	e.ObjStart()
	e.FieldStart("details")
	e.ObjStart()
	e.FieldStart("name")
	e.Str(p.Customer.Name)
	e.FieldStart("address")
	e.Str(p.Customer.Address)
	e.FieldStart("phone")
	e.Str(p.Customer.Phone)
	e.FieldStart("email")
	e.Str(p.Customer.Email)
	e.ObjEnd()
	e.ObjEnd()
}

func (p *Payload) encodeOrder(e *jx.Encoder) {
	e.FieldStart("Order")
	e.ObjStart()
	e.FieldStart("details")
	e.ObjStart()
	e.FieldStart("orderID")
	e.Str(p.Order.OrderID)
	e.FieldStart("order_type")
	e.Str(p.Order.OrderType)
	e.FieldStart("payment_type")
	e.Str(p.Order.PaymentType)
	e.FieldStart("advanced_order")
	e.Str(p.Order.AdvancedOrder)
	e.FieldStart("table_no")
	e.Str(p.Order.TableNo)
	e.FieldStart("no_of_persons")
	e.Str(p.Order.NoOfPersons)
	e.FieldStart("discount_total")
	e.Str(p.Order.DiscountTotal)
	e.FieldStart("tax_total")
	e.Str(p.Order.TaxTotal)
	e.FieldStart("delivery_charges")
	e.Str(p.Order.DeliveryCharges)
	e.FieldStart("packing_charges")
	e.Str(p.Order.PackingCharges)
	e.FieldStart("total")
	e.Str(p.Order.Total)
	e.FieldStart("description")
	e.Str(p.Order.Description)
	e.FieldStart("created_on")
	e.Str(p.Order.CreatedOn)
	e.ObjEnd()
	e.ObjEnd()
}

func (p *Payload) encodeItems(e *jx.Encoder) {
	e.FieldStart("OrderItem")
	e.ObjStart()
	e.FieldStart("details")
	e.ArrStart()
	for i := range p.Items {
		it := &p.Items[i]
		e.ObjStart()
		e.FieldStart("id")
		e.Str(it.ID)
		e.FieldStart("name")
		e.Str(it.Name)
		e.FieldStart("price")
		e.Str(it.Price)
		e.FieldStart("final_price")
		e.Str(it.FinalPrice)
		e.FieldStart("quantity")
		e.Str(it.Quantity)
		e.FieldStart("variation_id")
		e.Str(it.VariationID)
		e.FieldStart("variation_name")
		e.Str(it.VariationName)
		e.FieldStart("AddonItem")
		e.ObjStart()
		e.FieldStart("details")
		e.ArrStart()
		for j := range it.Addons {
			ad := &it.Addons[j]
			e.ObjStart()
			e.FieldStart("id")
			e.Str(ad.ID)
			e.FieldStart("name")
			e.Str(ad.Name)
			e.FieldStart("group_id")
			e.Str(ad.GroupID)
			e.FieldStart("group_name")
			e.Str(ad.GroupName)
			e.FieldStart("price")
			e.Str(ad.Price)
			e.FieldStart("quantity")
			e.Str(ad.Quantity)
			e.ObjEnd()
		}
		e.ArrEnd()
		e.ObjEnd()
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func (p *Payload) encodeTaxes(e *jx.Encoder) {
	e.FieldStart("Tax")
	e.ObjStart()
	e.FieldStart("details")
	e.ArrStart()
	for i := range p.Taxes {
		tx := &p.Taxes[i]
		e.ObjStart()
		e.FieldStart("id")
		e.Str(tx.ID)
		e.FieldStart("title")
		e.Str(tx.Title)
		e.FieldStart("type")
		e.Str(tx.Type)
		e.FieldStart("price")
		e.Str(tx.Price)
		e.FieldStart("tax")
		e.Str(tx.Tax)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func (p *Payload) encodeDiscounts(e *jx.Encoder) {
	e.FieldStart("Discount")
	e.ObjStart()
	e.FieldStart("details")
	e.ArrStart()
	for i := range p.Discounts {
		d := &p.Discounts[i]
		e.ObjStart()
		e.FieldStart("id")
		e.Str(d.ID)
		e.FieldStart("title")
		e.Str(d.Title)
		e.FieldStart("type")
		e.Str(d.Type)
		e.FieldStart("price")
		e.Str(d.Price)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}
